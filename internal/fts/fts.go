// Package fts implements the optional full-text search adapter from spec
// §4.6 step 6: documents' configured search fields are indexed after a
// successful insert/update, and dropped on delete. Grounded on the
// "sqlite" BM25 backend described in the retrieved corpus's bm25_factory.go
// (SQLite FTS5, pure Go, no cgo) rather than the corpus's alternate Bleve
// backend, since the engine already embeds modernc.org/sqlite for every
// other dataset and a second physical engine would buy nothing.
package fts

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Adapter indexes and searches document text. Insert is also used for
// updates: it replaces any entry already stored for oid.
type Adapter interface {
	Insert(oid uint32, fields map[string]string) error
	Remove(oid uint32) error
	Search(query string, limit int) ([]uint32, error)
}

// NullAdapter is the default no-op adapter: documents are never indexed and
// every search returns no hits. Used when no adapter is supplied.
type NullAdapter struct{}

func (NullAdapter) Insert(uint32, map[string]string) error { return nil }
func (NullAdapter) Remove(uint32) error                    { return nil }
func (NullAdapter) Search(string, int) ([]uint32, error)   { return nil, nil }

// InMemoryAdapter is a process-local substring index, useful for tests and
// examples that want real Insert/Remove/Search behavior without a SQLite
// file. Search matches any stored body containing query as a case-insensitive
// substring.
type InMemoryAdapter struct {
	mu   sync.RWMutex
	body map[uint32]string
}

// NewInMemoryAdapter returns an empty InMemoryAdapter.
func NewInMemoryAdapter() *InMemoryAdapter {
	return &InMemoryAdapter{body: make(map[uint32]string)}
}

func (a *InMemoryAdapter) Insert(oid uint32, fields map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.body[oid] = strings.ToLower(joinFields(fields))
	return nil
}

func (a *InMemoryAdapter) Remove(oid uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.body, oid)
	return nil
}

func (a *InMemoryAdapter) Search(query string, limit int) ([]uint32, error) {
	needle := strings.ToLower(query)
	a.mu.RLock()
	defer a.mu.RUnlock()

	oids := make([]uint32, 0, len(a.body))
	for oid := range a.body {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })

	var out []uint32
	for _, oid := range oids {
		if strings.Contains(a.body[oid], needle) {
			out = append(out, oid)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// SQLiteAdapter indexes document text in a FTS5 virtual table.
type SQLiteAdapter struct {
	db    *sql.DB
	table string
}

// OpenSQLiteAdapter creates (if absent) an FTS5 virtual table named table
// over db and returns an Adapter backed by it.
func OpenSQLiteAdapter(db *sql.DB, table string) (*SQLiteAdapter, error) {
	name := ftsTableName(table)
	schema := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(oid UNINDEXED, body)`, name)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("fts: create table %s: %w", name, err)
	}
	return &SQLiteAdapter{db: db, table: name}, nil
}

func ftsTableName(name string) string {
	out := make([]rune, 0, len(name)+4)
	out = append(out, []rune("fts_")...)
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func joinFields(fields map[string]string) string {
	var sb strings.Builder
	for _, v := range fields {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(v)
	}
	return sb.String()
}

// Insert replaces oid's indexed body with the concatenation of fields'
// values. A prior entry for oid, if any, is removed first, since oid is an
// UNINDEXED column rather than the rowid, so there is no row to upsert on.
func (a *SQLiteAdapter) Insert(oid uint32, fields map[string]string) error {
	if err := a.Remove(oid); err != nil {
		return err
	}
	body := joinFields(fields)
	if body == "" {
		return nil
	}
	_, err := a.db.Exec(fmt.Sprintf("INSERT INTO %s (oid, body) VALUES (?, ?)", a.table), strconv.FormatUint(uint64(oid), 10), body)
	if err != nil {
		return fmt.Errorf("fts: insert %d: %w", oid, err)
	}
	return nil
}

// Remove deletes oid's indexed body, if present.
func (a *SQLiteAdapter) Remove(oid uint32) error {
	_, err := a.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE oid = ?", a.table), strconv.FormatUint(uint64(oid), 10))
	if err != nil {
		return fmt.Errorf("fts: remove %d: %w", oid, err)
	}
	return nil
}

// Search runs an FTS5 match query and returns matching OIDs ranked by bm25,
// best match first, capped at limit (0 means unlimited).
func (a *SQLiteAdapter) Search(query string, limit int) ([]uint32, error) {
	q := fmt.Sprintf("SELECT oid FROM %s WHERE %s MATCH ? ORDER BY bm25(%s)", a.table, a.table, a.table)
	args := []any{query}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := a.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("fts: search %q: %w", query, err)
	}
	defer func() { _ = rows.Close() }()

	var out []uint32
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("fts: search scan: %w", err)
		}
		oid, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("fts: search decode oid %q: %w", raw, err)
		}
		out = append(out, uint32(oid))
	}
	return out, rows.Err()
}
