// Package docstore implements the DocumentStore and OID allocator from spec
// §4.6 steps 3-4: the primary OID -> document dataset, a parallel OID ->
// metadata dataset, and the atomic counter transaction that allocates OIDs
// strictly above INTERNAL_BITMAP_ID_MAX.
package docstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/agentic-research/synapsd/internal/kv"
)

// IndexOptions declares which document fields feed checksum, full-text, and
// embedding extraction (spec §3 Document).
type IndexOptions struct {
	ChecksumAlgorithms []string `json:"checksumAlgorithms,omitempty"`
	ChecksumFields     []string `json:"checksumFields,omitempty"`
	SearchFields       []string `json:"searchFields,omitempty"`
	EmbeddingFields    []string `json:"embeddingFields,omitempty"`
}

// Document is the opaque payload from spec §3: required Schema and Data,
// optional Metadata/ChecksumArray/IndexOptions, with ID assigned at insert.
type Document struct {
	ID            uint32         `json:"id,omitempty"`
	Schema        string         `json:"schema"`
	Data          map[string]any `json:"data"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ChecksumArray []string       `json:"checksumArray,omitempty"`
	IndexOptions  *IndexOptions  `json:"indexOptions,omitempty"`
}

// Status is a document's lifecycle state in the metadata dataset.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
	StatusFreed   Status = "freed"
)

// Record is the metadata dataset's value shape. DeletedAt is zero until
// DeleteDocument marks the record, and feeds the "datetime:deleted:..."
// query filter.
type Record struct {
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	DeletedAt int64  `json:"deleted_at,omitempty"`
	Status    Status `json:"status"`
}

const counterKey = "internal/document-id-counter"

// Store owns the documents and metadata datasets plus the OID counter.
type Store struct {
	docs     *kv.Dataset
	meta     *kv.Dataset
	internal *kv.Dataset
	idMax    uint32
	log      *log.Logger
}

// Open wires a Store over the documents/metadata/internal datasets. idMax is
// INTERNAL_BITMAP_ID_MAX: the counter's first allocation is idMax+1.
func Open(docs, meta, internal *kv.Dataset, idMax uint32, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "synapsd/docstore: ", log.LstdFlags)
	}
	return &Store{docs: docs, meta: meta, internal: internal, idMax: idMax, log: logger}, nil
}

func oidKey(oid uint32) string { return strconv.FormatUint(uint64(oid), 10) }

func encodeU32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func decodeU32(buf []byte) (uint32, error) {
	if len(buf) != 4 {
		return 0, fmt.Errorf("docstore: corrupt counter (%d bytes)", len(buf))
	}
	return binary.BigEndian.Uint32(buf), nil
}

// NextOID atomically increments and returns the next OID, strictly above
// idMax, via a single synchronous transaction on the internal dataset (spec
// §5's one required synchronous critical section).
func (s *Store) NextOID() (uint32, error) {
	var oid uint32
	err := s.internal.TransactionSync(func(get func(string) ([]byte, bool, error), put func(string, []byte) error) error {
		raw, ok, err := get(counterKey)
		if err != nil {
			return err
		}
		cur := s.idMax
		if ok {
			cur, err = decodeU32(raw)
			if err != nil {
				return err
			}
		}
		oid = cur + 1
		return put(counterKey, encodeU32(oid))
	})
	if err != nil {
		return 0, err
	}
	return oid, nil
}

// Put persists doc under its ID, synchronously.
func (s *Store) Put(doc *Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("docstore: encode document %d: %w", doc.ID, err)
	}
	return s.docs.PutSync(oidKey(doc.ID), raw)
}

// Get loads the document at oid.
func (s *Store) Get(oid uint32) (*Document, bool, error) {
	raw, ok, err := s.docs.Get(oidKey(oid))
	if err != nil || !ok {
		return nil, false, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("docstore: decode document %d: %w", oid, err)
	}
	return &doc, true, nil
}

// Exists reports whether oid has a stored document.
func (s *Store) Exists(oid uint32) (bool, error) {
	return s.docs.DoesExist(oidKey(oid))
}

// Remove deletes oid's document.
func (s *Store) Remove(oid uint32) error {
	return s.docs.Remove(oidKey(oid))
}

// Size returns the number of stored documents.
func (s *Store) Size() (int, error) {
	keys, err := s.docs.GetKeys(kv.Range{})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// AllOIDs returns every OID with a stored document, used by the query
// composer to materialize the "full universe" set when no contextSpec is
// given (spec §4.6 "Query" step 1).
func (s *Store) AllOIDs() ([]uint32, error) {
	keys, err := s.docs.GetKeys(kv.Range{})
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, len(keys))
	for _, k := range keys {
		oid, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("docstore: corrupt oid key %q: %w", k, err)
		}
		out = append(out, uint32(oid))
	}
	return out, nil
}

// AllMetadata loads every stored lifecycle record, keyed by OID. Used by the
// query composer to evaluate datetime filters via a full scan, the same
// "list then filter" pattern the bitmap index uses for Index.Delete.
func (s *Store) AllMetadata() (map[uint32]Record, error) {
	raw, err := s.meta.GetRange(kv.Range{})
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]Record, len(raw))
	for k, v := range raw {
		oid, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("docstore: corrupt metadata key %q: %w", k, err)
		}
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, fmt.Errorf("docstore: decode metadata %d: %w", oid, err)
		}
		out[uint32(oid)] = rec
	}
	return out, nil
}

// PutMetadata writes oid's lifecycle record.
func (s *Store) PutMetadata(oid uint32, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("docstore: encode metadata %d: %w", oid, err)
	}
	return s.meta.PutSync(oidKey(oid), raw)
}

// GetMetadata reads oid's lifecycle record.
func (s *Store) GetMetadata(oid uint32) (Record, bool, error) {
	raw, ok, err := s.meta.Get(oidKey(oid))
	if err != nil || !ok {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("docstore: decode metadata %d: %w", oid, err)
	}
	return rec, true, nil
}

// RemoveMetadata deletes oid's lifecycle record.
func (s *Store) RemoveMetadata(oid uint32) error {
	return s.meta.Remove(oidKey(oid))
}
