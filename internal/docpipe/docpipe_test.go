package docpipe

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/agentic-research/synapsd/internal/bitmap"
	"github.com/agentic-research/synapsd/internal/checksum"
	"github.com/agentic-research/synapsd/internal/docstore"
	"github.com/agentic-research/synapsd/internal/events"
	"github.com/agentic-research/synapsd/internal/fts"
	"github.com/agentic-research/synapsd/internal/kv"
	"github.com/agentic-research/synapsd/internal/layer"
	"github.com/agentic-research/synapsd/internal/schema"
	"github.com/agentic-research/synapsd/internal/synapses"
	"github.com/agentic-research/synapsd/internal/tree"
	"github.com/agentic-research/synapsd/internal/xerrors"
	"github.com/stretchr/testify/require"
)

type harness struct {
	pipeline *Pipeline
	docs     *docstore.Store
	bitmaps  *bitmap.Index
	synapses *synapses.Index
	fts      *fts.InMemoryAdapter
	schemas  *schema.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := kv.Open(filepath.Join(dir, "docpipe.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bmDS, err := store.Dataset("bitmaps")
	require.NoError(t, err)
	bitmaps, err := bitmap.NewIndex(bmDS, 128, nil)
	require.NoError(t, err)

	layerDS, err := store.Dataset("layers")
	require.NoError(t, err)
	layers, err := layer.Open(layerDS, nil)
	require.NoError(t, err)

	treeDS, err := store.Dataset("tree")
	require.NoError(t, err)
	bus := events.NewBus()
	ctxTree, err := tree.Open(treeDS, layers, bitmaps, bus, nil)
	require.NoError(t, err)

	synDS, err := store.Dataset("synapses")
	require.NoError(t, err)
	syn, err := synapses.Open(synDS, bitmaps, nil)
	require.NoError(t, err)

	checksumDS, err := store.Dataset("checksums")
	require.NoError(t, err)
	checksumIdx, err := checksum.Open(checksumDS, nil)
	require.NoError(t, err)

	docsDS, err := store.Dataset("documents")
	require.NoError(t, err)
	metaDS, err := store.Dataset("metadata")
	require.NoError(t, err)
	internalDS, err := store.Dataset("internal")
	require.NoError(t, err)
	docs, err := docstore.Open(docsDS, metaDS, internalDS, 100000, nil)
	require.NoError(t, err)

	schemas := schema.NewRegistry()
	schemas.Register("data/abstraction/note", schema.Variant{
		Validate: func(data map[string]any) error {
			if _, ok := data["title"]; !ok {
				return fmt.Errorf("missing title")
			}
			return nil
		},
	})

	ftsAdapter := fts.NewInMemoryAdapter()

	p := New(schemas, checksumIdx, docs, ctxTree, layers, syn, bitmaps, ftsAdapter, bus)
	return &harness{pipeline: p, docs: docs, bitmaps: bitmaps, synapses: syn, fts: ftsAdapter, schemas: schemas}
}

func noteRequest() InsertRequest {
	return InsertRequest{
		Schema:      "data/abstraction/note",
		Data:        map[string]any{"title": "hello", "content": "world"},
		ContextSpec: []string{"/work/projectA"},
		Features:    []string{"priority/high"},
	}
}

func TestInsert_PlacesDocumentAndTicksBitmaps(t *testing.T) {
	h := newHarness(t)
	res, err := h.pipeline.Insert(noteRequest())
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.NotZero(t, res.OID)

	work, err := h.bitmaps.Get("work", false)
	require.NoError(t, err)
	require.NotNil(t, work)
	require.True(t, work.Contains(res.OID))

	projectA, err := h.bitmaps.Get("projecta", false)
	require.NoError(t, err)
	require.True(t, projectA.Contains(res.OID))

	priority, err := h.bitmaps.Get("priority/high", false)
	require.NoError(t, err)
	require.True(t, priority.Contains(res.OID))

	keys, err := h.synapses.Get(res.OID)
	require.NoError(t, err)
	require.Contains(t, keys, "work")
	require.Contains(t, keys, "projecta")
	require.Contains(t, keys, "priority/high")
}

func TestInsert_UnknownSchemaFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline.Insert(InsertRequest{Schema: "data/abstraction/unknown", Data: map[string]any{}})
	require.Error(t, err)
	require.True(t, xerrors.Is(err, xerrors.Validation))
}

func TestInsert_DuplicateChecksumReturnsExistingOID(t *testing.T) {
	h := newHarness(t)
	req := noteRequest()
	req.IndexOptions = &docstore.IndexOptions{
		ChecksumAlgorithms: []string{"sha256"},
		ChecksumFields:     []string{"$.title"},
	}
	first, err := h.pipeline.Insert(req)
	require.NoError(t, err)

	second, err := h.pipeline.Insert(req)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.OID, second.OID)
}

func TestInsert_StrictDuplicateReturnsError(t *testing.T) {
	h := newHarness(t)
	req := noteRequest()
	req.IndexOptions = &docstore.IndexOptions{
		ChecksumAlgorithms: []string{"sha256"},
		ChecksumFields:     []string{"$.title"},
	}
	_, err := h.pipeline.Insert(req)
	require.NoError(t, err)

	req.Strict = true
	_, err = h.pipeline.Insert(req)
	require.Error(t, err)
	require.True(t, xerrors.Is(err, xerrors.Duplicate))
}

func TestInsert_IndexesSearchFields(t *testing.T) {
	h := newHarness(t)
	req := noteRequest()
	req.IndexOptions = &docstore.IndexOptions{SearchFields: []string{"$.content"}}

	res, err := h.pipeline.Insert(req)
	require.NoError(t, err)

	hits, err := h.fts.Search("world", 10)
	require.NoError(t, err)
	require.Contains(t, hits, res.OID)
}

func TestUpdate_RewritesDataAndChecksums(t *testing.T) {
	h := newHarness(t)
	req := noteRequest()
	req.IndexOptions = &docstore.IndexOptions{
		ChecksumAlgorithms: []string{"sha256"},
		ChecksumFields:     []string{"$.title"},
	}
	res, err := h.pipeline.Insert(req)
	require.NoError(t, err)

	err = h.pipeline.Update(UpdateRequest{
		OID:  res.OID,
		Data: map[string]any{"title": "renamed", "content": "world"},
	})
	require.NoError(t, err)

	doc, ok, err := h.docs.Get(res.OID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "renamed", doc.Data["title"])
}

func TestUpdate_AppendsAdditionalPlacement(t *testing.T) {
	h := newHarness(t)
	res, err := h.pipeline.Insert(noteRequest())
	require.NoError(t, err)

	err = h.pipeline.Update(UpdateRequest{OID: res.OID, ContextSpec: []string{"/work/projectB"}})
	require.NoError(t, err)

	projectB, err := h.bitmaps.Get("projectb", false)
	require.NoError(t, err)
	require.True(t, projectB.Contains(res.OID))

	keys, err := h.synapses.Get(res.OID)
	require.NoError(t, err)
	require.Contains(t, keys, "projecta")
	require.Contains(t, keys, "projectb")
}

func TestUpdate_MissingDocumentIsNotFound(t *testing.T) {
	h := newHarness(t)
	err := h.pipeline.Update(UpdateRequest{OID: 999, Data: map[string]any{"title": "x"}})
	require.Error(t, err)
	require.True(t, xerrors.Is(err, xerrors.NotFound))
}

func TestRemove_DetachesWithoutDeletingDocument(t *testing.T) {
	h := newHarness(t)
	res, err := h.pipeline.Insert(noteRequest())
	require.NoError(t, err)

	err = h.pipeline.Remove(RemoveRequest{OID: res.OID, Features: []string{"priority/high"}})
	require.NoError(t, err)

	priority, err := h.bitmaps.Get("priority/high", false)
	require.NoError(t, err)
	require.False(t, priority.Contains(res.OID))

	_, ok, err := h.docs.Get(res.OID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDelete_ErasesDocumentAndSynapsesAndFTS(t *testing.T) {
	h := newHarness(t)
	req := noteRequest()
	req.IndexOptions = &docstore.IndexOptions{SearchFields: []string{"$.content"}}
	res, err := h.pipeline.Insert(req)
	require.NoError(t, err)

	err = h.pipeline.Delete(res.OID)
	require.NoError(t, err)

	_, ok, err := h.docs.Get(res.OID)
	require.NoError(t, err)
	require.False(t, ok)

	work, err := h.bitmaps.Get("work", false)
	require.NoError(t, err)
	require.False(t, work.Contains(res.OID))

	hits, err := h.fts.Search("world", 10)
	require.NoError(t, err)
	require.NotContains(t, hits, res.OID)

	rec, found, err := h.docs.GetMetadata(res.OID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, docstore.StatusDeleted, rec.Status)
	require.NotZero(t, rec.DeletedAt)
}

func TestDelete_SelfHealsWhenSynapsesEntryAlreadyGone(t *testing.T) {
	h := newHarness(t)
	res, err := h.pipeline.Insert(noteRequest())
	require.NoError(t, err)

	_, err = h.synapses.ClearSynapses(res.OID)
	require.NoError(t, err)

	err = h.pipeline.Delete(res.OID)
	require.NoError(t, err)

	work, err := h.bitmaps.Get("work", false)
	require.NoError(t, err)
	require.False(t, work.Contains(res.OID))
}
