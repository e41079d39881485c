package checksum

import (
	"path/filepath"
	"testing"

	"github.com/agentic-research/synapsd/internal/kv"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	store, err := kv.Open(filepath.Join(dir, "checksum.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ds, err := store.Dataset("checksums")
	require.NoError(t, err)
	idx, err := Open(ds, nil)
	require.NoError(t, err)
	return idx
}

func TestPutLookup(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Put("sha256/abc", 100001))

	oid, found, err := idx.Lookup("sha256/abc")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(100001), oid)
}

func TestLookup_NotFound(t *testing.T) {
	idx := newTestIndex(t)
	_, found, err := idx.Lookup("sha256/missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestFindDuplicate_ReturnsFirstMatch(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Put("sha256/b", 100002))

	oid, found, err := idx.FindDuplicate([]string{"sha256/a", "sha256/b"})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(100002), oid)
}

func TestFindDuplicate_NoneFound(t *testing.T) {
	idx := newTestIndex(t)
	_, found, err := idx.FindDuplicate([]string{"sha256/a", "sha256/b"})
	require.NoError(t, err)
	require.False(t, found)
}

func TestPutManyRemoveMany(t *testing.T) {
	idx := newTestIndex(t)
	keys := []string{"sha256/a", "md5/b"}
	require.NoError(t, idx.PutMany(keys, 100003))

	for _, k := range keys {
		_, found, err := idx.Lookup(k)
		require.NoError(t, err)
		require.True(t, found)
	}

	require.NoError(t, idx.RemoveMany(keys))
	for _, k := range keys {
		_, found, err := idx.Lookup(k)
		require.NoError(t, err)
		require.False(t, found)
	}
}
