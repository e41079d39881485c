// Package checksum implements the ChecksumIndex from spec §4.6 step 2: a
// "<algo>/<hex>" -> OID map used to detect duplicate inserts before an OID
// is ever allocated.
package checksum

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/agentic-research/synapsd/internal/kv"
)

// Index is the checksum -> OID deduplication map.
type Index struct {
	ds  *kv.Dataset
	log *log.Logger
}

// Open wraps ds as a ChecksumIndex.
func Open(ds *kv.Dataset, logger *log.Logger) (*Index, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "synapsd/checksum: ", log.LstdFlags)
	}
	return &Index{ds: ds, log: logger}, nil
}

func encodeOID(oid uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, oid)
	return buf
}

func decodeOID(buf []byte) (uint32, error) {
	if len(buf) != 4 {
		return 0, fmt.Errorf("checksum: corrupt entry (%d bytes)", len(buf))
	}
	return binary.BigEndian.Uint32(buf), nil
}

// Lookup resolves a single "<algo>/<hex>" key to its OID.
func (idx *Index) Lookup(key string) (oid uint32, found bool, err error) {
	raw, ok, err := idx.ds.Get(key)
	if err != nil || !ok {
		return 0, false, err
	}
	oid, err = decodeOID(raw)
	if err != nil {
		return 0, false, err
	}
	return oid, true, nil
}

// FindDuplicate checks every key in order and returns the first OID already
// mapped by any of them (spec §4.6 step 2: "any algorithm/checksum already
// maps to an existing OID").
func (idx *Index) FindDuplicate(keys []string) (oid uint32, found bool, err error) {
	for _, key := range keys {
		oid, found, err := idx.Lookup(key)
		if err != nil {
			return 0, false, err
		}
		if found {
			return oid, true, nil
		}
	}
	return 0, false, nil
}

// Put maps key to oid.
func (idx *Index) Put(key string, oid uint32) error {
	return idx.ds.PutSync(key, encodeOID(oid))
}

// PutMany maps every key in keys to oid (one document typically has one
// checksum entry per configured algorithm).
func (idx *Index) PutMany(keys []string, oid uint32) error {
	for _, key := range keys {
		if err := idx.Put(key, oid); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes key's entry.
func (idx *Index) Remove(key string) error {
	return idx.ds.Remove(key)
}

// RemoveMany deletes every key's entry, used when a document's checksums
// are replaced on update or purged on delete.
func (idx *Index) RemoveMany(keys []string) error {
	for _, key := range keys {
		if err := idx.Remove(key); err != nil {
			return err
		}
	}
	return nil
}
