package kv

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
)

// Range bounds a key scan. Start is inclusive, End is exclusive; an empty
// End means "to the end of the dataset". Both empty means "whole dataset".
type Range struct {
	Start string
	End   string
}

type writeJob struct {
	key       string
	value     []byte
	tombstone bool
	barrier   chan struct{} // non-nil for a drain barrier; key/value/tombstone ignored
}

// Dataset is one named key/value collection within a Store. Async Put calls
// are queued to a single per-dataset worker goroutine so that writes to the
// same key are applied in issue order ("strict async order"); a read-your-
// writes overlay means Get/DoesExist observe a just-issued async write
// immediately, without waiting for the worker to drain.
type Dataset struct {
	db    *sql.DB
	name  string
	table string
	log   *log.Logger

	queue chan writeJob
	done  chan struct{}
	wg    sync.WaitGroup

	overlayMu sync.RWMutex
	overlay   map[string]overlayEntry

	txMu sync.Mutex
}

type overlayEntry struct {
	value     []byte
	tombstone bool
}

func newDataset(db *sql.DB, name, table string, logger *log.Logger) *Dataset {
	d := &Dataset{
		db:      db,
		name:    name,
		table:   table,
		log:     logger,
		queue:   make(chan writeJob, 1024),
		done:    make(chan struct{}),
		overlay: make(map[string]overlayEntry),
	}
	d.wg.Add(1)
	go d.drainLoop()
	return d
}

func (d *Dataset) drainLoop() {
	defer d.wg.Done()
	for job := range d.queue {
		if job.barrier != nil {
			close(job.barrier)
			continue
		}
		if err := d.writeThrough(job.key, job.value, job.tombstone); err != nil {
			d.log.Printf("kv: dataset %s: async write of %q failed: %v", d.name, job.key, err)
		}
		d.overlayMu.Lock()
		// Only clear the overlay entry if nothing newer has superseded it
		// while this job waited in the queue.
		if cur, ok := d.overlay[job.key]; ok && cur.tombstone == job.tombstone && bytesEqual(cur.value, job.value) {
			delete(d.overlay, job.key)
		}
		d.overlayMu.Unlock()
	}
}

func (d *Dataset) writeThrough(key string, value []byte, tombstone bool) error {
	if tombstone {
		_, err := d.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE key = ?", d.table), key)
		return err
	}
	_, err := d.db.Exec(fmt.Sprintf("INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", d.table), key, value)
	return err
}

// Put queues an asynchronous, strictly-ordered write. Returns once the
// write is queued, not once it is durable — see PutSync for the latter.
func (d *Dataset) Put(key string, value []byte) error {
	d.overlayMu.Lock()
	d.overlay[key] = overlayEntry{value: value}
	d.overlayMu.Unlock()
	select {
	case d.queue <- writeJob{key: key, value: value}:
		return nil
	case <-d.done:
		return fmt.Errorf("kv: dataset %s closed", d.name)
	}
}

// PutSync writes through to the database before returning.
func (d *Dataset) PutSync(key string, value []byte) error {
	d.overlayMu.Lock()
	d.overlay[key] = overlayEntry{value: value}
	d.overlayMu.Unlock()
	err := d.writeThrough(key, value, false)
	d.overlayMu.Lock()
	if cur, ok := d.overlay[key]; ok && !cur.tombstone && bytesEqual(cur.value, value) {
		delete(d.overlay, key)
	}
	d.overlayMu.Unlock()
	if err != nil {
		return fmt.Errorf("kv: putSync %s/%s: %w", d.name, key, err)
	}
	return nil
}

// Remove queues an asynchronous, strictly-ordered delete.
func (d *Dataset) Remove(key string) error {
	d.overlayMu.Lock()
	d.overlay[key] = overlayEntry{tombstone: true}
	d.overlayMu.Unlock()
	select {
	case d.queue <- writeJob{key: key, tombstone: true}:
		return nil
	case <-d.done:
		return fmt.Errorf("kv: dataset %s closed", d.name)
	}
}

// Get returns the value for key, or ok=false if absent. Overlay-aware: a
// just-issued async Put/Remove is visible immediately.
func (d *Dataset) Get(key string) (value []byte, ok bool, err error) {
	d.overlayMu.RLock()
	entry, inOverlay := d.overlay[key]
	d.overlayMu.RUnlock()
	if inOverlay {
		if entry.tombstone {
			return nil, false, nil
		}
		return entry.value, true, nil
	}

	row := d.db.QueryRow(fmt.Sprintf("SELECT value FROM %s WHERE key = ?", d.table), key)
	var v []byte
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv: get %s/%s: %w", d.name, key, err)
	}
	return v, true, nil
}

// DoesExist is a presence check without deserializing the value.
func (d *Dataset) DoesExist(key string) (bool, error) {
	_, ok, err := d.Get(key)
	return ok, err
}

// drainBarrier blocks until every write queued before this call has been
// applied to the database. Used by range scans, which must observe a
// consistent, fully-flushed view.
func (d *Dataset) drainBarrier() {
	barrier := make(chan struct{})
	select {
	case d.queue <- writeJob{barrier: barrier}:
		<-barrier
	case <-d.done:
	}
}

// GetRange returns every key/value pair in [r.Start, r.End). Rows are read
// in key order, but the result is a map, so that order is not preserved.
func (d *Dataset) GetRange(r Range) (map[string][]byte, error) {
	d.drainBarrier()

	query := fmt.Sprintf("SELECT key, value FROM %s", d.table)
	var args []any
	var where []string
	if r.Start != "" {
		where = append(where, "key >= ?")
		args = append(args, r.Start)
	}
	if r.End != "" {
		where = append(where, "key < ?")
		args = append(args, r.End)
	}
	if len(where) > 0 {
		query += " WHERE " + joinAnd(where)
	}
	query += " ORDER BY key"

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("kv: getRange %s: %w", d.name, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kv: getRange %s scan: %w", d.name, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// GetKeys returns the keys GetRange(r) finds, in no particular order. It
// reads the values too and discards them.
func (d *Dataset) GetKeys(r Range) ([]string, error) {
	vals, err := d.GetRange(r)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	return keys, nil
}

// TransactionSync runs fn in a single-dataset atomic critical section: no
// other TransactionSync or async write is applied concurrently. Used for
// the OID counter's read-increment-write sequence.
func (d *Dataset) TransactionSync(fn func(get func(key string) ([]byte, bool, error), put func(key string, value []byte) error) error) error {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	d.drainBarrier()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("kv: begin transaction on %s: %w", d.name, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	get := func(key string) ([]byte, bool, error) {
		row := tx.QueryRow(fmt.Sprintf("SELECT value FROM %s WHERE key = ?", d.table), key)
		var v []byte
		if err := row.Scan(&v); err != nil {
			if err == sql.ErrNoRows {
				return nil, false, nil
			}
			return nil, false, err
		}
		return v, true, nil
	}
	put := func(key string, value []byte) error {
		_, err := tx.Exec(fmt.Sprintf("INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", d.table), key, value)
		return err
	}

	if err := fn(get, put); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kv: commit transaction on %s: %w", d.name, err)
	}
	committed = true
	return nil
}

// Clear removes every key in the dataset.
func (d *Dataset) Clear() error {
	d.drainBarrier()
	d.overlayMu.Lock()
	d.overlay = make(map[string]overlayEntry)
	d.overlayMu.Unlock()
	_, err := d.db.Exec(fmt.Sprintf("DELETE FROM %s", d.table))
	return err
}

func (d *Dataset) close() {
	d.drainBarrier()
	close(d.done)
	close(d.queue)
	d.wg.Wait()
}

func joinAnd(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " AND " + p
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
