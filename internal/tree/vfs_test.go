package tree

import (
	"path/filepath"
	"testing"

	"github.com/agentic-research/synapsd/internal/bitmap"
	"github.com/agentic-research/synapsd/internal/kv"
	"github.com/stretchr/testify/require"
)

func newTestDirectoryTree(t *testing.T) *DirectoryTree {
	t.Helper()
	dir := t.TempDir()
	store, err := kv.Open(filepath.Join(dir, "vfs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ds, err := store.Dataset("bitmaps")
	require.NoError(t, err)
	idx, err := bitmap.NewIndex(ds, 128, nil)
	require.NoError(t, err)
	return NewDirectoryTree(idx, "vfs")
}

func TestDirectoryTree_InsertAndFind(t *testing.T) {
	dt := newTestDirectoryTree(t)
	require.NoError(t, dt.InsertDocument(100001, "/work/projectA"))

	b, err := dt.Find("/work/projectA")
	require.NoError(t, err)
	require.True(t, b.Contains(100001))

	b, err = dt.Find("/work")
	require.NoError(t, err)
	require.True(t, b.IsEmpty())
}

func TestDirectoryTree_FindRecursiveUnionsSubtree(t *testing.T) {
	dt := newTestDirectoryTree(t)
	require.NoError(t, dt.InsertDocument(100001, "/work/projectA"))
	require.NoError(t, dt.InsertDocument(100002, "/work/projectB"))
	require.NoError(t, dt.InsertDocument(100003, "/personal"))

	b, err := dt.FindRecursive("/work")
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{100001, 100002}, b.ToArray())
}

func TestDirectoryTree_ListDirectories(t *testing.T) {
	dt := newTestDirectoryTree(t)
	require.NoError(t, dt.InsertDocument(100001, "/work/projectA"))
	require.NoError(t, dt.InsertDocument(100002, "/work/projectB/sub"))

	names, err := dt.ListDirectories("/work")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"projecta", "projectb"}, names)
}

func TestDirectoryTree_MoveDirectoryRenamesSubtree(t *testing.T) {
	dt := newTestDirectoryTree(t)
	require.NoError(t, dt.InsertDocument(100001, "/work/projectA"))
	require.NoError(t, dt.InsertDocument(100002, "/work/projectA/notes"))

	require.NoError(t, dt.MoveDirectory("/work/projectA", "/archive/projectA"))

	b, err := dt.Find("/work/projectA")
	require.NoError(t, err)
	require.True(t, b.IsEmpty())

	b, err = dt.Find("/archive/projectA")
	require.NoError(t, err)
	require.True(t, b.Contains(100001))

	b, err = dt.Find("/archive/projectA/notes")
	require.NoError(t, err)
	require.True(t, b.Contains(100002))
}

func TestDirectoryTree_DeleteDirectoryRecursive(t *testing.T) {
	dt := newTestDirectoryTree(t)
	require.NoError(t, dt.InsertDocument(100001, "/work/projectA"))
	require.NoError(t, dt.InsertDocument(100002, "/work/projectA/notes"))

	require.NoError(t, dt.DeleteDirectory("/work/projectA", true))

	b, err := dt.FindRecursive("/work/projectA")
	require.NoError(t, err)
	require.True(t, b.IsEmpty())
}

func TestBillyFS_ReadDirListsDirectoriesAndDocuments(t *testing.T) {
	dt := newTestDirectoryTree(t)
	require.NoError(t, dt.InsertDocument(100001, "/work"))
	require.NoError(t, dt.InsertDocument(100002, "/work/projectA"))

	names := map[uint32]string{100001: "readme.md"}
	fs := NewBillyFS(dt, func(oid uint32) (string, bool) {
		n, ok := names[oid]
		return n, ok
	})

	infos, err := fs.ReadDir("/work")
	require.NoError(t, err)

	var gotDir, gotFile bool
	for _, fi := range infos {
		if fi.IsDir() && fi.Name() == "projecta" {
			gotDir = true
		}
		if !fi.IsDir() && fi.Name() == "readme.md" {
			gotFile = true
		}
	}
	require.True(t, gotDir, "expected projecta directory entry")
	require.True(t, gotFile, "expected readme.md file entry")
}

func TestBillyFS_OpenIsReadOnly(t *testing.T) {
	dt := newTestDirectoryTree(t)
	fs := NewBillyFS(dt, nil)
	_, err := fs.Open("/work")
	require.Error(t, err)
}
