package tree

import (
	"path/filepath"
	"testing"

	"github.com/agentic-research/synapsd/internal/bitmap"
	"github.com/agentic-research/synapsd/internal/events"
	"github.com/agentic-research/synapsd/internal/kv"
	"github.com/agentic-research/synapsd/internal/layer"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type testHarness struct {
	store   *kv.Store
	layers  *layer.Index
	bitmaps *bitmap.Index
	bus     *events.Bus
	tree    *ContextTree
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	store, err := kv.Open(filepath.Join(dir, "synapsd.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	layerDS, err := store.Dataset("layers")
	require.NoError(t, err)
	layers, err := layer.Open(layerDS, nil)
	require.NoError(t, err)

	bmDS, err := store.Dataset("bitmaps")
	require.NoError(t, err)
	bitmaps, err := bitmap.NewIndex(bmDS, 128, nil)
	require.NoError(t, err)

	treeDS, err := store.Dataset("tree")
	require.NoError(t, err)
	bus := events.NewBus()
	tr, err := Open(treeDS, layers, bitmaps, bus, nil)
	require.NoError(t, err)

	return &testHarness{store: store, layers: layers, bitmaps: bitmaps, bus: bus, tree: tr}
}

func (h *testHarness) reopen(t *testing.T) *ContextTree {
	t.Helper()
	treeDS, err := h.store.Dataset("tree")
	require.NoError(t, err)
	tr, err := Open(treeDS, h.layers, h.bitmaps, h.bus, nil)
	require.NoError(t, err)
	return tr
}

func TestInsertPath_CreatesSegmentsIdempotently(t *testing.T) {
	h := newHarness(t)

	res := h.tree.InsertPath("/work/projectA", true)
	require.NoError(t, res.Err)
	require.Len(t, res.Data, 2)

	again := h.tree.InsertPath("/work/projectA", true)
	require.NoError(t, again.Err)
	require.Equal(t, res.Data, again.Data, "inserting the same path twice must resolve to the same layer ids")
}

func TestInsertPath_RootIsAlwaysPresent(t *testing.T) {
	h := newHarness(t)
	res := h.tree.InsertPath("/", true)
	require.NoError(t, res.Err)
	require.Equal(t, []uuid.UUID{h.layers.Root().ID}, res.Data)
}

func TestPathExists_FalseForMissingSegment(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tree.InsertPath("/work", true).Err)
	require.True(t, h.tree.PathExists("/work"))
	require.False(t, h.tree.PathExists("/work/missing"))
}

func TestGetNodesForPath_NoAutoCreateFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.tree.PathToLayerIds("/nope")
	require.Error(t, err)
}

func TestMovePath_RefusesRoot(t *testing.T) {
	h := newHarness(t)
	res := h.tree.MovePath("/", "/elsewhere", true)
	require.Error(t, res.Err)
}

func TestMovePath_RefusesLocked(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tree.InsertPath("/work", true).Err)
	require.NoError(t, h.tree.InsertPath("/archive", true).Err)
	require.NoError(t, h.tree.LockPath("/work", "alice").Err)

	res := h.tree.MovePath("/work", "/archive", true)
	require.Error(t, res.Err)
}

func TestMovePath_NonRecursiveReparentsChildren(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tree.InsertPath("/work/projectA", true).Err)
	require.NoError(t, h.tree.InsertPath("/archive", true).Err)

	res := h.tree.MovePath("/work", "/archive", false)
	require.NoError(t, res.Err)

	// projectA re-parented to the old grandparent (root), work now under archive.
	require.True(t, h.tree.PathExists("/projecta"))
	require.True(t, h.tree.PathExists("/archive/work"))
	require.False(t, h.tree.PathExists("/archive/work/projecta"))
}

func TestMovePath_RecursiveMovesSubtree(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tree.InsertPath("/work/projectA", true).Err)
	require.NoError(t, h.tree.InsertPath("/archive", true).Err)

	res := h.tree.MovePath("/work", "/archive", true)
	require.NoError(t, res.Err)
	require.True(t, h.tree.PathExists("/archive/work/projecta"))
}

func TestCopyPath_DoesNotDuplicateExistingDestinationNode(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tree.InsertPath("/work/projectA", true).Err)
	require.NoError(t, h.tree.InsertPath("/archive/work", true).Err)

	res := h.tree.CopyPath("/work", "/archive", true)
	require.NoError(t, res.Err)
	require.True(t, h.tree.PathExists("/archive/work/projecta"))

	idsBefore, err := h.tree.PathToLayerIds("/archive/work")
	require.NoError(t, err)

	res = h.tree.CopyPath("/work", "/archive", true)
	require.NoError(t, res.Err)
	idsAfter, err := h.tree.PathToLayerIds("/archive/work")
	require.NoError(t, err)
	require.Equal(t, idsBefore, idsAfter, "re-copying onto the same destination must be idempotent")
}

func TestRemovePath_NonRecursiveReparentsToGrandparent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tree.InsertPath("/work/projectA", true).Err)

	res := h.tree.RemovePath("/work", false)
	require.NoError(t, res.Err)
	require.False(t, h.tree.PathExists("/work"))
	require.True(t, h.tree.PathExists("/projecta"))
}

func TestRemovePath_RecursiveDropsSubtree(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tree.InsertPath("/work/projectA", true).Err)

	res := h.tree.RemovePath("/work", true)
	require.NoError(t, res.Err)
	require.False(t, h.tree.PathExists("/work"))
	require.False(t, h.tree.PathExists("/projecta"))
}

func TestRemovePath_RefusesRoot(t *testing.T) {
	h := newHarness(t)
	res := h.tree.RemovePath("/", true)
	require.Error(t, res.Err)
}

func TestLockUnlockPath_OnlyReportsActualChanges(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tree.InsertPath("/work/projectA", true).Err)

	res := h.tree.LockPath("/work/projectA", "alice")
	require.NoError(t, res.Err)
	require.ElementsMatch(t, []string{"work", "projecta"}, res.Data)

	again := h.tree.LockPath("/work/projectA", "alice")
	require.NoError(t, again.Err)
	require.Empty(t, again.Data, "locking twice with the same locker changes nothing")
}

func TestMergeUp_UnionsLastSegmentIntoAncestors(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tree.InsertPath("/work/projectA", true).Err)
	require.NoError(t, h.bitmaps.Tick("projecta", 100001, 100002))

	res := h.tree.MergeUp("/work/projectA")
	require.NoError(t, res.Err)
	require.Equal(t, []string{"work"}, res.Data)

	b, err := h.bitmaps.Get("work", false)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{100001, 100002}, b.ToArray())
}

func TestMergeDown_UnionsAncestorsIntoLastSegment(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tree.InsertPath("/work/projectA", true).Err)
	require.NoError(t, h.bitmaps.Tick("work", 100001))

	res := h.tree.MergeDown("/work/projectA")
	require.NoError(t, res.Err)

	b, err := h.bitmaps.Get("projecta", false)
	require.NoError(t, err)
	require.Contains(t, b.ToArray(), uint32(100001))
}

func TestSubtractUp_RemovesLastSegmentFromAncestors(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tree.InsertPath("/work/projectA", true).Err)
	require.NoError(t, h.bitmaps.Tick("work", 100001, 100002))
	require.NoError(t, h.bitmaps.Tick("projecta", 100001))

	res := h.tree.SubtractUp("/work/projectA")
	require.NoError(t, res.Err)

	b, err := h.bitmaps.Get("work", false)
	require.NoError(t, err)
	require.Equal(t, []uint32{100002}, b.ToArray())
}

func TestSubtractDown_RemovesAncestorsFromLastSegment(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tree.InsertPath("/work/projectA", true).Err)
	require.NoError(t, h.bitmaps.Tick("work", 100001))
	require.NoError(t, h.bitmaps.Tick("projecta", 100001, 100002))

	res := h.tree.SubtractDown("/work/projectA")
	require.NoError(t, res.Err)

	b, err := h.bitmaps.Get("projecta", false)
	require.NoError(t, err)
	require.Equal(t, []uint32{100002}, b.ToArray())
}

func TestMergeUp_RootPathFails(t *testing.T) {
	h := newHarness(t)
	res := h.tree.MergeUp("/")
	require.Error(t, res.Err)
}

func TestDeleteLayer_DropsBitmapAndEveryReferencingNode(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tree.InsertPath("/work/projectA", true).Err)
	require.NoError(t, h.tree.InsertPath("/archive/projectA", true).Err)
	require.NoError(t, h.bitmaps.Tick("projecta", 100001))

	res := h.tree.DeleteLayer("projectA")
	require.NoError(t, res.Err)
	require.True(t, res.Data)

	require.False(t, h.tree.PathExists("/work/projecta"), "every path containing the deleted layer must stop resolving")
	require.False(t, h.tree.PathExists("/archive/projecta"))
	require.True(t, h.tree.PathExists("/work"))
	require.True(t, h.tree.PathExists("/archive"))

	b, err := h.bitmaps.Get("projecta", false)
	require.NoError(t, err)
	require.Nil(t, b, "the backing bitmap key must be gone entirely, not merely emptied")

	_, err = h.layers.ByName("projectA")
	require.Error(t, err, "the layer record itself must be removed")
}

func TestDeleteLayer_RefusesRootAndLocked(t *testing.T) {
	h := newHarness(t)

	res := h.tree.DeleteLayer(layer.RootName)
	require.Error(t, res.Err)

	require.NoError(t, h.tree.InsertPath("/work", true).Err)
	require.NoError(t, h.tree.LockPath("/work", "alice").Err)
	res = h.tree.DeleteLayer("work")
	require.Error(t, res.Err)
}

func TestOpen_RoundTripsSnapshotAcrossReopen(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tree.InsertPath("/work/projectA", true).Err)

	reopened := h.reopen(t)
	require.True(t, reopened.PathExists("/work/projecta"))
}
