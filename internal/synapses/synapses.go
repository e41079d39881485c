// Package synapses implements the reverse index from spec §4.5: for every
// OID, the sorted set of bitmap keys (layer names and feature labels) that
// reference it, kept in lockstep with BitmapIndex through tickMany/
// untickMany mirroring.
package synapses

import (
	"encoding/json"
	"log"
	"sort"
	"strconv"

	"github.com/agentic-research/synapsd/internal/kv"
	"github.com/agentic-research/synapsd/internal/xerrors"
)

// BitmapOps is the narrow capability Synapses needs from a bitmap.Index: the
// batched mirror operations, nothing else.
type BitmapOps interface {
	TickMany(keys []string, oids ...uint32) error
	UntickMany(keys []string, oids ...uint32) error
}

// Index is the OID -> []string reverse index.
type Index struct {
	ds      *kv.Dataset
	bitmaps BitmapOps
	log     *log.Logger
}

// Open wraps ds as a Synapses index mirroring writes through bitmaps.
func Open(ds *kv.Dataset, bitmaps BitmapOps, logger *log.Logger) (*Index, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "synapsd/synapses: ", log.LstdFlags)
	}
	return &Index{ds: ds, bitmaps: bitmaps, log: logger}, nil
}

func synKey(oid uint32) string { return strconv.FormatUint(uint64(oid), 10) }

// Get returns the current key set for oid, or nil if oid has no entry.
func (idx *Index) Get(oid uint32) ([]string, error) {
	return idx.load(oid)
}

func (idx *Index) load(oid uint32) ([]string, error) {
	raw, ok, err := idx.ds.Get(synKey(oid))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (idx *Index) persist(oid uint32, keys []string) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return idx.ds.PutSync(synKey(oid), raw)
}

// CreateSynapses unions keys into oid's stored set (persisting only if the
// set grew) and mirrors the placement with TickMany. Idempotent: calling it
// twice with the same keys is a no-op on the second call.
func (idx *Index) CreateSynapses(oid uint32, keys []string) error {
	current, err := idx.load(oid)
	if err != nil {
		return err
	}
	merged := unionSortedDedup(current, keys)
	if !equalStrings(merged, current) {
		if err := idx.persist(oid, merged); err != nil {
			return err
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return idx.bitmaps.TickMany(keys, oid)
}

// CreateSynapsesFromDocs gathers the union of keys across relatedOids'
// existing entries and applies it to oid — the "magical link" operation.
func (idx *Index) CreateSynapsesFromDocs(oid uint32, relatedOids []uint32) error {
	seen := make(map[string]bool)
	for _, related := range relatedOids {
		keys, err := idx.load(related)
		if err != nil {
			return err
		}
		for _, k := range keys {
			seen[k] = true
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return idx.CreateSynapses(oid, keys)
}

// RemoveSynapses removes keys from oid's stored set, deleting the entry
// entirely if it becomes empty, and mirrors with UntickMany.
func (idx *Index) RemoveSynapses(oid uint32, keys []string) error {
	current, err := idx.load(oid)
	if err != nil {
		return err
	}
	remaining := subtractStrings(current, keys)
	if len(remaining) == 0 {
		if err := idx.ds.Remove(synKey(oid)); err != nil {
			return err
		}
	} else if err := idx.persist(oid, remaining); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return idx.bitmaps.UntickMany(keys, oid)
}

// ClearSynapses unticks oid from every bitmap its entry references, deletes
// the entry, and returns the keys it held. Used by deleteDocument.
func (idx *Index) ClearSynapses(oid uint32) ([]string, error) {
	current, err := idx.load(oid)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, xerrors.NotFoundf("synapses: no entry for oid %d", oid)
	}
	if len(current) > 0 {
		if err := idx.bitmaps.UntickMany(current, oid); err != nil {
			return nil, err
		}
	}
	if err := idx.ds.Remove(synKey(oid)); err != nil {
		return nil, err
	}
	return current, nil
}

func unionSortedDedup(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		seen[s] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func subtractStrings(a, b []string) []string {
	remove := make(map[string]bool, len(b))
	for _, s := range b {
		remove[s] = true
	}
	out := make([]string, 0, len(a))
	for _, s := range a {
		if !remove[s] {
			out = append(out, s)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
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
