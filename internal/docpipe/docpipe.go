// Package docpipe implements the insert/update/remove/delete pipelines of
// spec §4.6: the sequence of schema validation, checksum dedup, OID
// allocation, context-tree placement, Synapses bookkeeping, and full-text
// indexing that every document mutation runs through. Each step is grounded
// on its own leaf package; docpipe only orders the calls.
package docpipe

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/agentic-research/synapsd/internal/bitmap"
	"github.com/agentic-research/synapsd/internal/checksum"
	"github.com/agentic-research/synapsd/internal/docstore"
	"github.com/agentic-research/synapsd/internal/events"
	"github.com/agentic-research/synapsd/internal/fts"
	"github.com/agentic-research/synapsd/internal/layer"
	"github.com/agentic-research/synapsd/internal/schema"
	"github.com/agentic-research/synapsd/internal/synapses"
	"github.com/agentic-research/synapsd/internal/tree"
	"github.com/agentic-research/synapsd/internal/xerrors"
)

// hashFuncs maps a checksum algorithm name to its stdlib constructor.
// Hashing is a pure crypto/ concern with no ecosystem replacement in the
// corpus, so it stays on the standard library deliberately.
var hashFuncs = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
}

// InsertRequest is the insert pipeline's input (spec §4.6 "Insert").
// ContextSpec holds one or more paths; a document placed at several paths at
// once accumulates the union of every path's layers in its Synapses entry.
type InsertRequest struct {
	Schema       string
	Data         map[string]any
	Metadata     map[string]any
	IndexOptions *docstore.IndexOptions
	ContextSpec  []string
	Features     []string
	// Strict turns a duplicate checksum hit into a DuplicateError instead of
	// silently returning the existing document's OID.
	Strict bool
}

// InsertResult reports the outcome of an Insert call.
type InsertResult struct {
	OID       uint32
	Duplicate bool
}

// UpdateRequest is the update pipeline's input (spec §4.6 "Update"). A nil
// Data leaves the stored data untouched (metadata/placement-only update).
type UpdateRequest struct {
	OID          uint32
	Data         map[string]any
	Metadata     map[string]any
	IndexOptions *docstore.IndexOptions
	ContextSpec  []string
	Features     []string
}

// RemoveRequest is the "soft" removal pipeline's input (spec §4.6 "Remove"):
// it detaches a document from the given contexts/features without deleting
// its stored content.
type RemoveRequest struct {
	OID         uint32
	ContextSpec []string
	Features    []string
}

// Pipeline wires every leaf index a document mutation touches.
type Pipeline struct {
	schemas  *schema.Registry
	checksum *checksum.Index
	docs     *docstore.Store
	tree     *tree.ContextTree
	layers   *layer.Index
	synapses *synapses.Index
	bitmaps  *bitmap.Index
	fts      fts.Adapter
	bus      *events.Bus
}

// New wires a Pipeline. ftsAdapter defaults to fts.NullAdapter{} and bus to
// a fresh events.Bus if nil.
func New(
	schemas *schema.Registry,
	checksumIdx *checksum.Index,
	docs *docstore.Store,
	ctxTree *tree.ContextTree,
	layers *layer.Index,
	syn *synapses.Index,
	bitmaps *bitmap.Index,
	ftsAdapter fts.Adapter,
	bus *events.Bus,
) *Pipeline {
	if ftsAdapter == nil {
		ftsAdapter = fts.NullAdapter{}
	}
	if bus == nil {
		bus = events.NewBus()
	}
	return &Pipeline{
		schemas:  schemas,
		checksum: checksumIdx,
		docs:     docs,
		tree:     ctxTree,
		layers:   layers,
		synapses: syn,
		bitmaps:  bitmaps,
		fts:      ftsAdapter,
		bus:      bus,
	}
}

// Insert runs the full insert pipeline (spec §4.6 "Insert" steps 1-6).
func (p *Pipeline) Insert(req InsertRequest) (InsertResult, error) {
	if err := p.schemas.Validate(req.Schema, req.Data); err != nil {
		return InsertResult{}, err
	}

	checksumKeys, err := p.computeChecksums(req.Data, req.IndexOptions)
	if err != nil {
		return InsertResult{}, err
	}
	if len(checksumKeys) > 0 {
		existing, found, err := p.checksum.FindDuplicate(checksumKeys)
		if err != nil {
			return InsertResult{}, err
		}
		if found {
			if req.Strict {
				return InsertResult{}, xerrors.Duplicatef("docpipe: duplicate checksum for schema %q", req.Schema)
			}
			return InsertResult{OID: existing, Duplicate: true}, nil
		}
	}

	oid, err := p.docs.NextOID()
	if err != nil {
		return InsertResult{}, err
	}

	doc := &docstore.Document{
		ID:            oid,
		Schema:        req.Schema,
		Data:          p.schemas.Serialize(req.Schema, req.Data),
		Metadata:      req.Metadata,
		ChecksumArray: checksumKeys,
		IndexOptions:  req.IndexOptions,
	}
	if err := p.docs.Put(doc); err != nil {
		return InsertResult{}, err
	}
	now := time.Now().Unix()
	if err := p.docs.PutMetadata(oid, docstore.Record{CreatedAt: now, UpdatedAt: now, Status: docstore.StatusActive}); err != nil {
		return InsertResult{}, err
	}
	if err := p.checksum.PutMany(checksumKeys, oid); err != nil {
		return InsertResult{}, err
	}

	layerNames, err := p.placeAtContexts(req.ContextSpec, oid)
	if err != nil {
		return InsertResult{}, err
	}
	allKeys := unionKeys(layerNames, req.Features)
	if err := p.synapses.CreateSynapses(oid, allKeys); err != nil {
		return InsertResult{}, err
	}

	if err := p.indexSearchFields(oid, req.Data, req.IndexOptions); err != nil {
		return InsertResult{}, err
	}

	p.bus.Emit("tree.document.inserted", map[string]any{"oid": oid, "schema": req.Schema}, now)
	return InsertResult{OID: oid}, nil
}

// Update runs the update pipeline (spec §4.6 "Update"): re-validates,
// recomputes checksums, rewrites the document and metadata record, and
// appends any additional context/feature placements given.
func (p *Pipeline) Update(req UpdateRequest) error {
	existing, ok, err := p.docs.Get(req.OID)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.NotFoundf("docpipe: no document with oid %d", req.OID)
	}

	now := time.Now().Unix()

	if req.Data != nil {
		if err := p.schemas.Validate(existing.Schema, req.Data); err != nil {
			return err
		}
		if len(existing.ChecksumArray) > 0 {
			if err := p.checksum.RemoveMany(existing.ChecksumArray); err != nil {
				return err
			}
		}
		opts := req.IndexOptions
		if opts == nil {
			opts = existing.IndexOptions
		}
		newChecksums, err := p.computeChecksums(req.Data, opts)
		if err != nil {
			return err
		}
		if err := p.checksum.PutMany(newChecksums, req.OID); err != nil {
			return err
		}
		existing.Data = p.schemas.Serialize(existing.Schema, req.Data)
		existing.ChecksumArray = newChecksums
		if err := p.indexSearchFields(req.OID, req.Data, opts); err != nil {
			return err
		}
	}
	if req.Metadata != nil {
		existing.Metadata = req.Metadata
	}
	if req.IndexOptions != nil {
		existing.IndexOptions = req.IndexOptions
	}
	if err := p.docs.Put(existing); err != nil {
		return err
	}

	rec, found, err := p.docs.GetMetadata(req.OID)
	if err != nil {
		return err
	}
	if !found {
		rec = docstore.Record{CreatedAt: now, Status: docstore.StatusActive}
	}
	rec.UpdatedAt = now
	if err := p.docs.PutMetadata(req.OID, rec); err != nil {
		return err
	}

	if len(req.ContextSpec) > 0 || len(req.Features) > 0 {
		layerNames, err := p.placeAtContexts(req.ContextSpec, req.OID)
		if err != nil {
			return err
		}
		allKeys := unionKeys(layerNames, req.Features)
		if len(allKeys) > 0 {
			if err := p.synapses.CreateSynapses(req.OID, allKeys); err != nil {
				return err
			}
		}
	}

	p.bus.Emit("tree.document.updated", map[string]any{"oid": req.OID}, now)
	return nil
}

// Remove detaches a document from contextSpec/features (spec §4.6 "Remove"):
// the document's stored content is untouched, only its Synapses entry (and
// the bitmaps it mirrors into) shrinks.
func (p *Pipeline) Remove(req RemoveRequest) error {
	var keys []string
	for _, path := range req.ContextSpec {
		ids, err := p.tree.PathToLayerIds(path)
		if err != nil {
			return err
		}
		for _, id := range ids {
			l, err := p.layers.ByID(id)
			if err != nil {
				return err
			}
			keys = append(keys, l.Name)
		}
	}
	keys = append(keys, req.Features...)
	if len(keys) == 0 {
		return nil
	}
	if err := p.synapses.RemoveSynapses(req.OID, keys); err != nil {
		return err
	}
	p.bus.Emit("tree.document.removed", map[string]any{"oid": req.OID, "keys": keys}, time.Now().Unix())
	return nil
}

// Delete permanently erases a document (spec §4.6 "Delete"): clears its
// Synapses entry (unticking every bitmap it referenced), drops its checksum
// entries and FTS entry, then removes it from the DocumentStore. If the
// Synapses entry is already gone (a prior partial failure), it falls back to
// bitmap.Index.Delete's reverse scan so no bitmap is left referencing a
// vanished OID.
func (p *Pipeline) Delete(oid uint32) error {
	if _, err := p.synapses.ClearSynapses(oid); err != nil {
		if !xerrors.Is(err, xerrors.NotFound) {
			return err
		}
		if err := p.bitmaps.Delete(oid); err != nil {
			return err
		}
	}

	doc, found, err := p.docs.Get(oid)
	if err != nil {
		return err
	}
	if found && len(doc.ChecksumArray) > 0 {
		if err := p.checksum.RemoveMany(doc.ChecksumArray); err != nil {
			return err
		}
	}
	if err := p.fts.Remove(oid); err != nil {
		return err
	}

	now := time.Now().Unix()
	if rec, recFound, err := p.docs.GetMetadata(oid); err == nil && recFound {
		rec.Status = docstore.StatusDeleted
		rec.DeletedAt = now
		if err := p.docs.PutMetadata(oid, rec); err != nil {
			return err
		}
	}
	if err := p.docs.Remove(oid); err != nil {
		return err
	}

	p.bus.Emit("tree.document.deleted", map[string]any{"oid": oid}, now)
	return nil
}

// placeAtContexts inserts oid's placement at every path in paths (creating
// context layers as needed), resolves each path's layer ids to names (the
// Synapses key space is layer names, matching BitmapIndex's own keys), and
// returns the union of names across all paths. Placement itself only
// registers the tree nodes; the actual bitmap tick happens when the caller
// feeds the returned names into Synapses.CreateSynapses.
func (p *Pipeline) placeAtContexts(paths []string, oid uint32) ([]string, error) {
	var names []string
	seen := make(map[string]bool)
	for _, path := range paths {
		res := p.tree.InsertPath(path, true)
		if res.Err != nil {
			return nil, res.Err
		}
		for _, id := range res.Data {
			l, err := p.layers.ByID(id)
			if err != nil {
				return nil, err
			}
			if !seen[l.Name] {
				seen[l.Name] = true
				names = append(names, l.Name)
			}
		}
	}
	return names, nil
}

// computeChecksums hashes the concatenated checksum field values once per
// configured algorithm (spec §4.6 step 2). No fields/algorithms configured
// means the document is never deduplicated.
func (p *Pipeline) computeChecksums(data map[string]any, opts *docstore.IndexOptions) ([]string, error) {
	if opts == nil || len(opts.ChecksumAlgorithms) == 0 || len(opts.ChecksumFields) == 0 {
		return nil, nil
	}
	values, err := schema.ExtractFields(opts.ChecksumFields, data)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	joined := strings.Join(values, "\x1f")

	keys := make([]string, 0, len(opts.ChecksumAlgorithms))
	for _, algo := range opts.ChecksumAlgorithms {
		newHash, ok := hashFuncs[algo]
		if !ok {
			return nil, xerrors.Validationf("docpipe: unknown checksum algorithm %q", algo)
		}
		h := newHash()
		h.Write([]byte(joined))
		keys = append(keys, fmt.Sprintf("%s/%x", algo, h.Sum(nil)))
	}
	return keys, nil
}

// indexSearchFields extracts opts.SearchFields from data and feeds them to
// the FTS adapter (spec §4.6 step 6). A nil opts or empty field list leaves
// the adapter untouched — there is nothing to index for that document.
func (p *Pipeline) indexSearchFields(oid uint32, data map[string]any, opts *docstore.IndexOptions) error {
	if opts == nil || len(opts.SearchFields) == 0 {
		return nil
	}
	values, err := schema.ExtractFields(opts.SearchFields, data)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	fields := make(map[string]string, len(values))
	for i, v := range values {
		fields[fmt.Sprintf("field%d", i)] = v
	}
	return p.fts.Insert(oid, fields)
}

func unionKeys(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, k := range a {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, k := range b {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
