// Package synapsd implements an embedded document index built around a
// context-tree abstraction: documents are placed at one or more tree paths
// and tagged with feature labels, both backed by a single roaring-bitmap
// forward index, with a reverse index (Synapses) keeping every document's
// placement queryable from its OID alone.
package synapsd

import (
	"context"
	"fmt"

	"github.com/agentic-research/synapsd/internal/bitmap"
	"github.com/agentic-research/synapsd/internal/checksum"
	"github.com/agentic-research/synapsd/internal/docpipe"
	"github.com/agentic-research/synapsd/internal/docstore"
	"github.com/agentic-research/synapsd/internal/events"
	"github.com/agentic-research/synapsd/internal/fts"
	"github.com/agentic-research/synapsd/internal/kv"
	"github.com/agentic-research/synapsd/internal/layer"
	"github.com/agentic-research/synapsd/internal/query"
	"github.com/agentic-research/synapsd/internal/schema"
	"github.com/agentic-research/synapsd/internal/synapses"
	"github.com/agentic-research/synapsd/internal/tree"
	"github.com/agentic-research/synapsd/internal/xerrors"
)

// Index is the public facade wiring every internal collaborator described
// in spec §4 into the operations spec §2 names: InsertDocument,
// UpdateDocument, RemoveDocument, DeleteDocument, Query, Backup, Stats.
type Index struct {
	store    *kv.Store
	bitmaps  *bitmap.Index
	layers   *layer.Index
	tree     *tree.ContextTree
	dirs     *tree.DirectoryTree
	synapses *synapses.Index
	checksum *checksum.Index
	docs     *docstore.Store
	schemas  *schema.Registry
	pipeline *docpipe.Pipeline
	composer *query.Composer
	bus      *events.Bus
	opts     Options
}

// Open wires a complete Index over a single modernc.org/sqlite file at
// opts.Path, creating it if absent. A zero-value Options uses every
// documented default.
func Open(opts Options) (*Index, error) {
	opts = mergeOptions(opts)
	if opts.Path == "" {
		return nil, errValidation("Open", fmt.Errorf("synapsd: Options.Path is required"))
	}

	store, err := kv.Open(opts.Path, opts.Logger)
	if err != nil {
		return nil, errDatabase("Open", err)
	}

	bmDS, err := store.Dataset(opts.BitmapDataset)
	if err != nil {
		return nil, errDatabase("Open", err)
	}
	bitmaps, err := bitmap.NewIndex(bmDS, opts.BitmapCacheSize, opts.Logger)
	if err != nil {
		return nil, errDatabase("Open", err)
	}

	layerDS, err := store.Dataset("layers")
	if err != nil {
		return nil, errDatabase("Open", err)
	}
	layers, err := layer.Open(layerDS, opts.Logger)
	if err != nil {
		return nil, errDatabase("Open", err)
	}

	bus := opts.EventBus
	if bus == nil {
		bus = events.NewBus()
	}

	treeDS, err := store.Dataset("tree")
	if err != nil {
		return nil, errDatabase("Open", err)
	}
	ctxTree, err := tree.Open(treeDS, layers, bitmaps, bus, opts.Logger)
	if err != nil {
		return nil, errDatabase("Open", err)
	}
	dirs := tree.NewDirectoryTree(bitmaps, opts.VFSPrefix)

	synDS, err := store.Dataset("synapses")
	if err != nil {
		return nil, errDatabase("Open", err)
	}
	syn, err := synapses.Open(synDS, bitmaps, opts.Logger)
	if err != nil {
		return nil, errDatabase("Open", err)
	}

	checksumDS, err := store.Dataset("checksums")
	if err != nil {
		return nil, errDatabase("Open", err)
	}
	checksumIdx, err := checksum.Open(checksumDS, opts.Logger)
	if err != nil {
		return nil, errDatabase("Open", err)
	}

	docsDS, err := store.Dataset("documents")
	if err != nil {
		return nil, errDatabase("Open", err)
	}
	metaDS, err := store.Dataset("metadata")
	if err != nil {
		return nil, errDatabase("Open", err)
	}
	internalDS, err := store.Dataset("internal")
	if err != nil {
		return nil, errDatabase("Open", err)
	}
	docs, err := docstore.Open(docsDS, metaDS, internalDS, opts.InternalBitmapIDMax, opts.Logger)
	if err != nil {
		return nil, errDatabase("Open", err)
	}

	schemas := schema.NewRegistry()

	ftsAdapter := opts.FTS
	if ftsAdapter == nil {
		ftsAdapter = fts.NullAdapter{}
	}

	pipeline := docpipe.New(schemas, checksumIdx, docs, ctxTree, layers, syn, bitmaps, ftsAdapter, bus)
	composer := query.NewComposer(bitmaps, docs, schemas, toInternalClock(opts.Clock))

	return &Index{
		store:    store,
		bitmaps:  bitmaps,
		layers:   layers,
		tree:     ctxTree,
		dirs:     dirs,
		synapses: syn,
		checksum: checksumIdx,
		docs:     docs,
		schemas:  schemas,
		pipeline: pipeline,
		composer: composer,
		bus:      bus,
		opts:     opts,
	}, nil
}

// SchemaValidator checks a document's data map against schema-specific
// rules. Returning a non-nil error fails InsertDocument/UpdateDocument with
// a validation error.
type SchemaValidator func(data map[string]any) error

// SchemaSerializer renders a variant's data map to its stored form.
type SchemaSerializer func(data map[string]any) map[string]any

// SchemaDeserializer is SchemaSerializer's inverse, run when QueryInput.Parse
// is true.
type SchemaDeserializer func(stored map[string]any) map[string]any

// SchemaVariant is one schema tag's registered behavior, mirroring
// internal/schema's identically-shaped type so callers outside this module
// can construct one without importing an internal package. Serialize/
// Deserialize left nil default to storing/returning data unchanged.
type SchemaVariant struct {
	Validate    SchemaValidator
	Serialize   SchemaSerializer
	Deserialize SchemaDeserializer
}

// RegisterSchema installs (or replaces) the behavior for a schema tag, used
// by InsertDocument/UpdateDocument (validation, spec §4.6 step 1) and Query
// (Deserialize, spec §4.6 step 5's Parse option).
func (idx *Index) RegisterSchema(tag string, v SchemaVariant) {
	idx.schemas.Register(tag, schema.Variant{
		Validate:    schema.Validator(v.Validate),
		Serialize:   schema.Serializer(v.Serialize),
		Deserialize: schema.Deserializer(v.Deserialize),
	})
}

// IndexOptions declares which document fields feed checksum, full-text, and
// embedding extraction (spec §3 Document). It mirrors internal/docstore's
// identically-shaped type so callers outside this module, which cannot
// import an internal package, can still construct one.
type IndexOptions struct {
	ChecksumAlgorithms []string
	ChecksumFields     []string
	SearchFields       []string
	EmbeddingFields    []string
}

func (o *IndexOptions) toInternal() *docstore.IndexOptions {
	if o == nil {
		return nil
	}
	return &docstore.IndexOptions{
		ChecksumAlgorithms: o.ChecksumAlgorithms,
		ChecksumFields:     o.ChecksumFields,
		SearchFields:       o.SearchFields,
		EmbeddingFields:    o.EmbeddingFields,
	}
}

func fromInternalIndexOptions(o *docstore.IndexOptions) *IndexOptions {
	if o == nil {
		return nil
	}
	return &IndexOptions{
		ChecksumAlgorithms: o.ChecksumAlgorithms,
		ChecksumFields:     o.ChecksumFields,
		SearchFields:       o.SearchFields,
		EmbeddingFields:    o.EmbeddingFields,
	}
}

// InsertRequest is InsertDocument's input, mirroring spec §3's Document
// shape plus the placement the insert pipeline needs.
type InsertRequest struct {
	Schema       string
	Data         map[string]any
	Metadata     map[string]any
	IndexOptions *IndexOptions
	ContextSpec  []string
	Features     []string
	Strict       bool
}

// InsertDocument runs the full insert pipeline (spec §4.6 "Insert"). If req
// doesn't specify ChecksumAlgorithms but does specify ChecksumFields, the
// workspace's DefaultChecksumAlgorithms apply.
func (idx *Index) InsertDocument(req InsertRequest) (oid uint32, duplicate bool, err error) {
	indexOpts := req.IndexOptions.toInternal()
	if indexOpts != nil && len(indexOpts.ChecksumAlgorithms) == 0 && len(indexOpts.ChecksumFields) > 0 {
		clone := *indexOpts
		clone.ChecksumAlgorithms = idx.opts.DefaultChecksumAlgorithms
		indexOpts = &clone
	}

	res, err := idx.pipeline.Insert(docpipe.InsertRequest{
		Schema:       req.Schema,
		Data:         req.Data,
		Metadata:     req.Metadata,
		IndexOptions: indexOpts,
		ContextSpec:  req.ContextSpec,
		Features:     req.Features,
		Strict:       req.Strict,
	})
	if err != nil {
		return 0, false, translate("InsertDocument", err)
	}
	if !res.Duplicate {
		for _, path := range req.ContextSpec {
			if err := idx.dirs.InsertDocument(res.OID, path); err != nil {
				return res.OID, false, translate("InsertDocument", err)
			}
		}
	}
	return res.OID, res.Duplicate, nil
}

// UpdateRequest is UpdateDocument's input.
type UpdateRequest struct {
	OID          uint32
	Data         map[string]any
	Metadata     map[string]any
	IndexOptions *IndexOptions
	ContextSpec  []string
	Features     []string
}

// UpdateDocument runs the update pipeline (spec §4.6 "Update").
func (idx *Index) UpdateDocument(req UpdateRequest) error {
	if err := idx.pipeline.Update(docpipe.UpdateRequest{
		OID:          req.OID,
		Data:         req.Data,
		Metadata:     req.Metadata,
		IndexOptions: req.IndexOptions.toInternal(),
		ContextSpec:  req.ContextSpec,
		Features:     req.Features,
	}); err != nil {
		return translate("UpdateDocument", err)
	}
	for _, path := range req.ContextSpec {
		if err := idx.dirs.InsertDocument(req.OID, path); err != nil {
			return translate("UpdateDocument", err)
		}
	}
	return nil
}

// RemoveDocument detaches oid from contextSpec/features without deleting
// its stored content (spec §4.6 "Remove").
func (idx *Index) RemoveDocument(oid uint32, contextSpec []string, features []string) error {
	if err := idx.pipeline.Remove(docpipe.RemoveRequest{OID: oid, ContextSpec: contextSpec, Features: features}); err != nil {
		return translate("RemoveDocument", err)
	}
	for _, path := range contextSpec {
		if err := idx.dirs.RemoveDocument(oid, path); err != nil {
			return translate("RemoveDocument", err)
		}
	}
	return nil
}

// DeleteDocument permanently erases oid (spec §4.6 "Delete").
func (idx *Index) DeleteDocument(oid uint32) error {
	if err := idx.pipeline.Delete(oid); err != nil {
		return translate("DeleteDocument", err)
	}
	return nil
}

// Document is a public projection of a stored document (spec §3), returned
// by GetDocument and Query.
type Document struct {
	ID            uint32
	Schema        string
	Data          map[string]any
	Metadata      map[string]any
	ChecksumArray []string
	IndexOptions  *IndexOptions
}

func fromInternalDocument(d *docstore.Document) *Document {
	return &Document{
		ID:            d.ID,
		Schema:        d.Schema,
		Data:          d.Data,
		Metadata:      d.Metadata,
		ChecksumArray: d.ChecksumArray,
		IndexOptions:  fromInternalIndexOptions(d.IndexOptions),
	}
}

// GetDocument loads the document at oid, or (nil, false, nil) if absent.
func (idx *Index) GetDocument(oid uint32) (*Document, bool, error) {
	doc, ok, err := idx.docs.Get(oid)
	if err != nil {
		return nil, false, errDatabase("GetDocument", err)
	}
	if !ok {
		return nil, false, nil
	}
	return fromInternalDocument(doc), true, nil
}

// QueryInput is Query's input (spec §4.6 "Query" / §2 item 9): ContextSpec
// distinguishes "not provided" (nil, full universe) from the explicit root
// path "/" (documents placed at root only) from an ordinary path.
type QueryInput struct {
	ContextSpec *string
	Features    []string
	Filters     []any
	Limit       int
	// Parse reconstitutes each returned document's data through its own
	// schema's registered Deserialize hook (RegisterSchema), or leaves it
	// unchanged for schemas that registered none.
	Parse bool
}

// QueryResult is a materialized query result.
type QueryResult struct {
	Documents []*Document
	Count     int
}

// Query runs the Query composer (spec §4.6 "Query"): context resolution
// AND feature resolution AND datetime-filter resolution, materialized
// through the DocumentStore.
func (idx *Index) Query(in QueryInput) (QueryResult, error) {
	res, err := idx.composer.Run(query.Input{
		ContextSpec: in.ContextSpec,
		Features:    in.Features,
		Filters:     in.Filters,
		Options:     query.Options{Limit: in.Limit, Parse: in.Parse},
	})
	if err != nil {
		return QueryResult{}, translate("Query", err)
	}
	docs := make([]*Document, len(res.Documents))
	for i, d := range res.Documents {
		docs[i] = fromInternalDocument(d)
	}
	return QueryResult{Documents: docs, Count: res.Count}, nil
}

// Tree exposes the ContextTree for the structural operations spec §2 names
// (insertPath, movePath, copyPath, removePath, lockPath, mergeUp, ...)
// directly, since they are path/layer operations rather than document
// mutations and gain nothing from another indirection layer here.
func (idx *Index) Tree() *tree.ContextTree { return idx.tree }

// Layers exposes the LayerIndex for direct layer administration (rename,
// lock, patch metadata) outside the context of a tree path.
func (idx *Index) Layers() *layer.Index { return idx.layers }

// Directories exposes the DirectoryTree VFS view.
func (idx *Index) Directories() *tree.DirectoryTree { return idx.dirs }

// FS returns a read-only projection of the VFS view (ReadDir, Stat, Open),
// resolving each document's display name via nameOfOID.
func (idx *Index) FS(nameOfOID func(oid uint32) (string, bool)) *tree.BillyFS {
	return tree.NewBillyFS(idx.dirs, nameOfOID)
}

// Backup snapshots the workspace into a fresh SQLite file at destPath via
// the KV Store Adapter's VACUUM INTO (spec §D "Backup").
func (idx *Index) Backup(ctx context.Context, destPath string, compact bool) error {
	if err := idx.store.Backup(ctx, destPath, compact); err != nil {
		return errDatabase("Backup", err)
	}
	return nil
}

// Stats reports document count, per-dataset KV size, and bitmap cache
// hit/miss counters (spec §D "Stats").
type Stats struct {
	DocumentCount int
	DatasetSizes  map[string]int
	BitmapCache   bitmap.CacheStats
}

var statsDatasets = []string{"documents", "metadata", "checksums", "synapses", "layers", "tree", "internal"}

// Stats computes a Stats snapshot. It is a diagnostic call, not a hot-path
// one: every dataset size is a full key scan.
func (idx *Index) Stats() (Stats, error) {
	count, err := idx.docs.Size()
	if err != nil {
		return Stats{}, errDatabase("Stats", err)
	}

	sizes := make(map[string]int, len(statsDatasets)+1)
	for _, name := range append([]string{idx.opts.BitmapDataset}, statsDatasets...) {
		ds, err := idx.store.Dataset(name)
		if err != nil {
			return Stats{}, errDatabase("Stats", err)
		}
		keys, err := ds.GetKeys(kv.Range{})
		if err != nil {
			return Stats{}, errDatabase("Stats", err)
		}
		sizes[name] = len(keys)
	}

	return Stats{
		DocumentCount: count,
		DatasetSizes:  sizes,
		BitmapCache:   idx.bitmaps.Stats(),
	}, nil
}

// GC unticks every bitmap entry whose oid no longer has a backing document,
// the orphan class DeleteDocument's self-heal already tolerates on the read
// side. Returns the oids it removed.
func (idx *Index) GC() ([]uint32, error) {
	referenced, err := idx.bitmaps.AllReferencedOIDs()
	if err != nil {
		return nil, errDatabase("GC", err)
	}

	var orphans []uint32
	for _, oid := range referenced {
		exists, err := idx.docs.Exists(oid)
		if err != nil {
			return nil, errDatabase("GC", err)
		}
		if !exists {
			orphans = append(orphans, oid)
		}
	}
	for _, oid := range orphans {
		if err := idx.bitmaps.Delete(oid); err != nil {
			return nil, errDatabase("GC", err)
		}
		if _, err := idx.synapses.ClearSynapses(oid); err != nil && !xerrors.Is(err, xerrors.NotFound) {
			return nil, translate("GC", err)
		}
	}
	return orphans, nil
}

// Close flushes and closes the underlying KV store.
func (idx *Index) Close() error {
	if err := idx.store.Close(); err != nil {
		return errDatabase("Close", err)
	}
	return nil
}
