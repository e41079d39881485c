package bitmap

import (
	"path/filepath"
	"testing"

	"github.com/agentic-research/synapsd/internal/kv"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	store, err := kv.Open(filepath.Join(dir, "bm.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ds, err := store.Dataset("bitmaps")
	require.NoError(t, err)

	idx, err := NewIndex(ds, 128, nil)
	require.NoError(t, err)
	return idx
}

func TestIndex_TickUntick(t *testing.T) {
	idx := newTestIndex(t)

	require.NoError(t, idx.Tick("work", 100001, 100002))
	b, err := idx.Get("work", false)
	require.NoError(t, err)
	require.Equal(t, []uint32{100001, 100002}, b.ToArray())

	ok, err := idx.Untick("work", 100001)
	require.NoError(t, err)
	require.True(t, ok)

	b, err = idx.Get("work", false)
	require.NoError(t, err)
	require.Equal(t, []uint32{100002}, b.ToArray())
}

func TestIndex_UntickMissingReturnsFalse(t *testing.T) {
	idx := newTestIndex(t)
	ok, err := idx.Untick("missing", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIndex_ANDShortCircuitsOnMissingKey(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Tick("aaa", 1, 2, 3))

	result, err := idx.AND([]string{"aaa", "missing"})
	require.NoError(t, err)
	require.True(t, result.IsEmpty())
}

func TestIndex_ANDEmptyKeyListIsEmpty(t *testing.T) {
	idx := newTestIndex(t)
	result, err := idx.AND(nil)
	require.NoError(t, err)
	require.True(t, result.IsEmpty())
}

func TestIndex_ORSkipsMissingKeys(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Tick("aaa", 1, 2))
	require.NoError(t, idx.Tick("bbb", 2, 3))

	result, err := idx.OR([]string{"aaa", "missing", "bbb"})
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2, 3}, result.ToArray())
}

func TestIndex_TickManyIndependentKeys(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.TickMany([]string{"work", "projectA", "client/os/linux"}, 100001))

	for _, key := range []string{"work", "projectA", "client/os/linux"} {
		b, err := idx.Get(key, false)
		require.NoError(t, err)
		require.True(t, b.Contains(100001))
	}
}

func TestIndex_Delete(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.TickMany([]string{"aaa", "bbb", "ccc"}, 100001))
	require.NoError(t, idx.Delete(100001))

	for _, key := range []string{"aaa", "bbb", "ccc"} {
		b, err := idx.Get(key, false)
		require.NoError(t, err)
		require.False(t, b.Contains(100001))
	}
}

func TestIndex_RenameBitmap(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Tick("old", 1, 2))
	require.NoError(t, idx.RenameBitmap("old", "new"))

	b, err := idx.Get("old", false)
	require.NoError(t, err)
	require.Nil(t, b)

	b, err = idx.Get("new", false)
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2}, b.ToArray())
}

func TestCollection_PrefixesKeys(t *testing.T) {
	idx := newTestIndex(t)
	col := idx.Collection("vfs")

	require.NoError(t, col.Tick("/work/projecta", 100001))

	names, err := col.ListBitmaps()
	require.NoError(t, err)
	require.Equal(t, []string{"/work/projecta"}, names)

	b, err := idx.Get("vfs//work/projecta", false)
	require.NoError(t, err)
	require.True(t, b.Contains(100001))
}

func TestIndex_StatsTracksCacheHitsAndMisses(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Tick("work", 1))
	idx.ClearCache()

	_, err := idx.Get("work", false) // miss, populates cache
	require.NoError(t, err)
	_, err = idx.Get("work", false) // hit
	require.NoError(t, err)

	stats := idx.Stats()
	require.GreaterOrEqual(t, stats.Misses, uint64(1))
	require.GreaterOrEqual(t, stats.Hits, uint64(1))
}
