package tree

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"

	"github.com/agentic-research/synapsd/internal/bitmap"
)

// DirectoryTree is the VFS view from spec §4.7: a second bitmap-backed
// index, independent of ContextTree's layer graph, keyed by the entire
// normalized path string under a configurable collection prefix (default
// "vfs"). It answers path-shaped lookups directly from bitmap keys instead
// of walking a node graph.
type DirectoryTree struct {
	bitmaps *bitmap.Collection
}

// NewDirectoryTree scopes every path key under prefix (default "vfs" when
// empty) via the bitmap index's namespaced Collection view.
func NewDirectoryTree(idx *bitmap.Index, prefix string) *DirectoryTree {
	if prefix == "" {
		prefix = "vfs"
	}
	return &DirectoryTree{bitmaps: idx.Collection(prefix)}
}

// InsertDocument ticks oid into the bitmap for path's full normalized key.
func (d *DirectoryTree) InsertDocument(oid uint32, docPath string) error {
	return d.bitmaps.Tick(NormalizePath(docPath), oid)
}

// RemoveDocument unticks oid from path's bitmap.
func (d *DirectoryTree) RemoveDocument(oid uint32, docPath string) error {
	_, err := d.bitmaps.Untick(NormalizePath(docPath), oid)
	return err
}

// Find returns the bitmap of document oids stored exactly at path.
func (d *DirectoryTree) Find(docPath string) (*bitmap.Bitmap, error) {
	b, err := d.bitmaps.Get(NormalizePath(docPath), false)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return bitmap.New(NormalizePath(docPath)), nil
	}
	return b, nil
}

// FindRecursive unions the bitmaps at path and at every key nested under it.
func (d *DirectoryTree) FindRecursive(docPath string) (*bitmap.Bitmap, error) {
	norm := NormalizePath(docPath)
	keys, err := d.keysUnder(norm)
	if err != nil {
		return nil, err
	}
	result := bitmap.New(norm)
	for _, key := range keys {
		b, err := d.bitmaps.Get(key, false)
		if err != nil {
			return nil, err
		}
		if b != nil {
			result.Or(b)
		}
	}
	return result, nil
}

// ListDirectories returns the unique immediate child segment names found
// under parent (paths one level deeper than parent that have a bitmap).
func (d *DirectoryTree) ListDirectories(parent string) ([]string, error) {
	norm := NormalizePath(parent)
	keys, err := d.keysUnder(norm)
	if err != nil {
		return nil, err
	}
	prefix := norm
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}
	seen := make(map[string]bool)
	var out []string
	for _, key := range keys {
		if key == norm {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if rest == key {
			continue
		}
		first := strings.SplitN(rest, "/", 2)[0]
		if first == "" || seen[first] {
			continue
		}
		seen[first] = true
		out = append(out, first)
	}
	return out, nil
}

// MoveDirectory renames every bitmap at or under from to the equivalent key
// under to.
func (d *DirectoryTree) MoveDirectory(from, to string) error {
	fromNorm, toNorm := NormalizePath(from), NormalizePath(to)
	keys, err := d.keysUnder(fromNorm)
	if err != nil {
		return err
	}
	for _, key := range keys {
		newKey := toNorm + strings.TrimPrefix(key, fromNorm)
		if err := d.bitmaps.RenameBitmap(key, newKey); err != nil {
			return fmt.Errorf("tree: move directory %q -> %q: %w", key, newKey, err)
		}
	}
	return nil
}

// DeleteDirectory empties the bitmap at path; if recursive, every bitmap
// nested under it too. The emptied keys stay in the collection, so
// ListDirectories still reports them as directories.
func (d *DirectoryTree) DeleteDirectory(docPath string, recursive bool) error {
	norm := NormalizePath(docPath)
	keys := []string{norm}
	if recursive {
		under, err := d.keysUnder(norm)
		if err != nil {
			return err
		}
		keys = under
	}
	for _, key := range keys {
		b, err := d.bitmaps.Get(key, false)
		if err != nil {
			return err
		}
		if b == nil {
			continue
		}
		if _, err := d.bitmaps.Untick(key, b.ToArray()...); err != nil {
			return err
		}
	}
	return nil
}

func (d *DirectoryTree) keysUnder(prefix string) ([]string, error) {
	all, err := d.bitmaps.ListBitmaps()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, key := range all {
		if key == prefix || strings.HasPrefix(key, strings.TrimSuffix(prefix, "/")+"/") {
			out = append(out, key)
		}
	}
	return out, nil
}

// BillyFS adapts a DirectoryTree and a lookup from document oid to display
// name into a read-only view with billy.Filesystem's ReadDir, Stat, and Open
// methods, the way the teacher's GraphFS adapts a content graph for NFS
// serving. It does not implement the full billy.Filesystem interface and has
// no write methods; Open always fails with a read-only error.
type BillyFS struct {
	dirs      *DirectoryTree
	nameOfOID func(oid uint32) (string, bool)
	mountTime time.Time
}

// NewBillyFS builds a read-only filesystem view. nameOfOID resolves a
// document's display name (e.g. its title or a checksum-derived name) for
// directory listings; callers typically close over a docstore lookup.
func NewBillyFS(dirs *DirectoryTree, nameOfOID func(oid uint32) (string, bool)) *BillyFS {
	return &BillyFS{dirs: dirs, nameOfOID: nameOfOID, mountTime: time.Now()}
}

var errReadOnlyFS = fmt.Errorf("synapsd: read-only filesystem")

func (fs *BillyFS) ReadDir(p string) ([]os.FileInfo, error) {
	p = path.Clean("/" + p)
	dirs, err := fs.dirs.ListDirectories(p)
	if err != nil {
		return nil, &os.PathError{Op: "readdir", Path: p, Err: err}
	}
	b, err := fs.dirs.Find(p)
	if err != nil {
		return nil, &os.PathError{Op: "readdir", Path: p, Err: err}
	}
	infos := make([]os.FileInfo, 0, len(dirs)+int(b.Cardinality()))
	for _, name := range dirs {
		infos = append(infos, &vfsFileInfo{name: name, mode: os.ModeDir | 0o555, modTime: fs.mountTime})
	}
	for _, oid := range b.ToArray() {
		name := fmt.Sprintf("%d", oid)
		if fs.nameOfOID != nil {
			if display, ok := fs.nameOfOID(oid); ok {
				name = display
			}
		}
		infos = append(infos, &vfsFileInfo{name: name, mode: 0o444, modTime: fs.mountTime})
	}
	return infos, nil
}

func (fs *BillyFS) Stat(p string) (os.FileInfo, error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return &vfsFileInfo{name: "/", mode: os.ModeDir | 0o555, modTime: fs.mountTime}, nil
	}
	b, err := fs.dirs.Find(p)
	if err != nil {
		return nil, &os.PathError{Op: "stat", Path: p, Err: err}
	}
	if !b.IsEmpty() {
		return &vfsFileInfo{name: path.Base(p), mode: os.ModeDir | 0o555, modTime: fs.mountTime}, nil
	}
	dirs, err := fs.dirs.ListDirectories(path.Dir(p))
	if err == nil {
		for _, name := range dirs {
			if name == path.Base(p) {
				return &vfsFileInfo{name: name, mode: os.ModeDir | 0o555, modTime: fs.mountTime}, nil
			}
		}
	}
	return nil, &os.PathError{Op: "stat", Path: p, Err: os.ErrNotExist}
}

func (fs *BillyFS) Open(p string) (billy.File, error) {
	return nil, &os.PathError{Op: "open", Path: p, Err: errReadOnlyFS}
}

// vfsFileInfo is a static os.FileInfo, matching the teacher's staticFileInfo
// shape for the same purpose (billy.Filesystem ReadDir/Stat results).
type vfsFileInfo struct {
	name    string
	mode    os.FileMode
	modTime time.Time
}

func (fi *vfsFileInfo) Name() string       { return fi.name }
func (fi *vfsFileInfo) Size() int64        { return 0 }
func (fi *vfsFileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *vfsFileInfo) ModTime() time.Time { return fi.modTime }
func (fi *vfsFileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *vfsFileInfo) Sys() interface{}   { return nil }
