// Package kv implements the ordered key/value adapter the indexing engine
// treats as a collaborator (spec §4.1, §6): named datasets over one physical
// file, sync and "strict order" async writes, range scans, doesExist, and a
// single-dataset atomic transaction used by the OID counter.
//
// The physical engine is modernc.org/sqlite (pure Go, no cgo) — one table
// per dataset, TEXT key / BLOB value, mirroring the single-file-many-tables
// layout the retrieved corpus uses for its own sidecar databases.
package kv

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"

	_ "modernc.org/sqlite"
)

// Store owns one physical SQLite file and hands out Dataset handles scoped
// to individual tables within it.
type Store struct {
	db   *sql.DB
	path string
	log  *log.Logger

	mu       sync.Mutex
	datasets map[string]*Dataset
}

// Open opens or creates the SQLite-backed store at path. Use ":memory:" for
// an ephemeral, process-local store (tests, scratch workspaces).
func Open(path string, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = OFF",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("kv: %s: %w", pragma, err)
		}
	}

	if logger == nil {
		logger = log.New(log.Writer(), "synapsd/kv: ", log.LstdFlags)
	}

	return &Store{db: db, path: path, log: logger, datasets: make(map[string]*Dataset)}, nil
}

// Dataset returns the named dataset, creating its backing table on first
// use. Safe for concurrent callers.
func (s *Store) Dataset(name string) (*Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ds, ok := s.datasets[name]; ok {
		return ds, nil
	}

	table := tableName(name)
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key   TEXT PRIMARY KEY,
		value BLOB
	)`, table)
	if _, err := s.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("kv: create dataset %s: %w", name, err)
	}

	ds := newDataset(s.db, name, table, s.log)
	s.datasets[name] = ds
	return ds, nil
}

// RawDB exposes the underlying database handle for collaborators that need
// SQL features Dataset doesn't model, such as FTS5 virtual tables.
func (s *Store) RawDB() *sql.DB { return s.db }

// Backup snapshots the whole store into a fresh SQLite file at destPath via
// SQLite's VACUUM INTO, the embedded-engine equivalent of the "backup(path,
// compact)" contract in spec §6. compact additionally runs PRAGMA
// optimize first.
func (s *Store) Backup(ctx context.Context, destPath string, compact bool) error {
	if compact {
		if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
			return fmt.Errorf("kv: optimize before backup: %w", err)
		}
	}
	q := fmt.Sprintf("VACUUM INTO '%s'", sqliteQuote(destPath))
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("kv: backup to %s: %w", destPath, err)
	}
	return nil
}

// Close flushes and closes every dataset's async writer, then the physical
// database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ds := range s.datasets {
		ds.close()
	}
	return s.db.Close()
}

func tableName(dataset string) string {
	// Dataset names are internal identifiers (documents, bitmaps, layer/<uuid>
	// sub-collections never hit this path — only top-level dataset names do),
	// so a conservative replace is enough to keep them valid SQL identifiers.
	out := make([]rune, 0, len(dataset)+3)
	out = append(out, []rune("ds_")...)
	for _, r := range dataset {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func sqliteQuote(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
