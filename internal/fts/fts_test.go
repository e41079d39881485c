package fts

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNullAdapter_AlwaysEmpty(t *testing.T) {
	var a NullAdapter
	require.NoError(t, a.Insert(1, map[string]string{"title": "hello"}))
	hits, err := a.Search("hello", 0)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestInMemoryAdapter_InsertAndSearch(t *testing.T) {
	a := NewInMemoryAdapter()
	require.NoError(t, a.Insert(1, map[string]string{"title": "Quarterly Report"}))
	require.NoError(t, a.Insert(2, map[string]string{"title": "Grocery List"}))

	hits, err := a.Search("report", 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, hits)
}

func TestInMemoryAdapter_RemoveDropsHit(t *testing.T) {
	a := NewInMemoryAdapter()
	require.NoError(t, a.Insert(1, map[string]string{"title": "alpha"}))
	require.NoError(t, a.Remove(1))

	hits, err := a.Search("alpha", 0)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestSQLiteAdapter_InsertAndSearch(t *testing.T) {
	db := newTestDB(t)
	a, err := OpenSQLiteAdapter(db, "documents")
	require.NoError(t, err)

	require.NoError(t, a.Insert(1, map[string]string{"title": "quarterly report", "body": "revenue grew"}))
	require.NoError(t, a.Insert(2, map[string]string{"title": "grocery list", "body": "milk eggs bread"}))

	hits, err := a.Search("revenue", 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, hits)

	hits, err = a.Search("milk", 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{2}, hits)
}

func TestSQLiteAdapter_InsertReplacesPriorEntry(t *testing.T) {
	db := newTestDB(t)
	a, err := OpenSQLiteAdapter(db, "documents")
	require.NoError(t, err)

	require.NoError(t, a.Insert(1, map[string]string{"body": "alpha"}))
	require.NoError(t, a.Insert(1, map[string]string{"body": "beta"}))

	hits, err := a.Search("alpha", 0)
	require.NoError(t, err)
	require.Empty(t, hits)

	hits, err = a.Search("beta", 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, hits)
}

func TestSQLiteAdapter_Remove(t *testing.T) {
	db := newTestDB(t)
	a, err := OpenSQLiteAdapter(db, "documents")
	require.NoError(t, err)

	require.NoError(t, a.Insert(1, map[string]string{"body": "alpha"}))
	require.NoError(t, a.Remove(1))

	hits, err := a.Search("alpha", 0)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestSQLiteAdapter_SearchRespectsLimit(t *testing.T) {
	db := newTestDB(t)
	a, err := OpenSQLiteAdapter(db, "documents")
	require.NoError(t, err)

	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, a.Insert(i, map[string]string{"body": "widget"}))
	}

	hits, err := a.Search("widget", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
}
