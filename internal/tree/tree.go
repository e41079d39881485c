// Package tree implements the ContextTree from spec §4.4: an ordered tree of
// layer-referencing nodes rooted at the universe layer, plus the structural
// operations (insert/move/copy/remove/lock/merge/subtract path) that keep the
// tree and the forward bitmap index consistent with each other.
package tree

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentic-research/synapsd/internal/bitmap"
	"github.com/agentic-research/synapsd/internal/events"
	"github.com/agentic-research/synapsd/internal/kv"
	"github.com/agentic-research/synapsd/internal/layer"
	"github.com/agentic-research/synapsd/internal/xerrors"
	"github.com/google/uuid"
)

// BitmapOps is the narrow capability ContextTree needs from a bitmap.Index.
// It exists so this package never imports internal/bitmap's full surface and
// internal/bitmap never needs to know the tree exists — the dependency is
// one-directional and satisfied by *bitmap.Index at the call site in the
// root package's wiring.
type BitmapOps interface {
	Get(key string, autoCreate bool) (*bitmap.Bitmap, error)
	Tick(key string, oids ...uint32) error
	Untick(key string, oids ...uint32) (bool, error)
	DeleteBitmap(key string) error
}

// Result is the uniform envelope every structural operation returns: the
// operation's natural data, how many items it affected, and an error.
type Result[T any] struct {
	Data  T
	Count int
	Err   error
}

const treeKey = "tree"

// ContextTree owns the in-memory node graph and its single persisted JSON
// snapshot, keeping it in lockstep with the LayerIndex (names/ids) and the
// forward bitmap index (merge/subtract semantics).
type ContextTree struct {
	ds      *kv.Dataset
	layers  *layer.Index
	bitmaps BitmapOps
	bus     *events.Bus
	log     *log.Logger

	mu   sync.RWMutex
	root *Node
}

// Open loads a persisted snapshot from ds, reconstructing nodes against
// layers by name, or starts a fresh tree with only the universe root.
func Open(ds *kv.Dataset, layers *layer.Index, bmOps BitmapOps, bus *events.Bus, logger *log.Logger) (*ContextTree, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "synapsd/tree: ", log.LstdFlags)
	}
	if bus == nil {
		bus = events.NewBus()
	}
	t := &ContextTree{ds: ds, layers: layers, bitmaps: bmOps, bus: bus, log: logger}

	raw, ok, err := ds.Get(treeKey)
	if err != nil {
		return nil, fmt.Errorf("tree: load: %w", err)
	}
	if !ok {
		t.root = newNode(layers.Root())
		return t, nil
	}

	var snapshot jsonNode
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("tree: decode snapshot: %w", err)
	}
	root := t.reconstruct(snapshot, nil)
	if root == nil {
		t.log.Printf("tree: root missing or unresolvable in snapshot, starting fresh")
		root = newNode(layers.Root())
	}
	t.root = root
	t.bus.Emit("tree.loaded", map[string]any{"nodeCount": t.countNodes(root)}, time.Now().Unix())
	return t, nil
}

// jsonNode is the on-disk snapshot shape. The layer payload itself is not
// duplicated here beyond Name (used to resolve it against the LayerIndex on
// load) — LayerIndex remains the single owner of layer content.
type jsonNode struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Children []jsonNode `json:"children,omitempty"`
}

func (t *ContextTree) reconstruct(jn jsonNode, _ *Node) *Node {
	l, err := t.layers.ByName(jn.Name)
	if err != nil {
		t.log.Printf("tree: snapshot references unknown layer %q, dropping subtree: %v", jn.Name, err)
		t.bus.Emit("tree.error", map[string]any{"reason": "unknown layer in snapshot", "name": jn.Name}, time.Now().Unix())
		return nil
	}
	if l.ID.String() != jn.ID {
		t.log.Printf("tree: snapshot id %s for %q does not match layer index id %s, index wins", jn.ID, jn.Name, l.ID)
	}
	n := newNode(l)
	for _, c := range jn.Children {
		if child := t.reconstruct(c, n); child != nil {
			n.addChild(child)
		}
	}
	return n
}

func (t *ContextTree) countNodes(n *Node) int {
	count := 1
	for _, c := range n.childList() {
		count += t.countNodes(c)
	}
	return count
}

func buildJSONNode(n *Node) jsonNode {
	children := n.childList()
	out := jsonNode{ID: n.ID.String(), Name: n.Layer.Name}
	if len(children) > 0 {
		out.Children = make([]jsonNode, len(children))
		for i, c := range children {
			out.Children[i] = buildJSONNode(c)
		}
	}
	return out
}

// save persists the current tree snapshot synchronously and emits tree.saved.
func (t *ContextTree) save() error {
	raw, err := json.Marshal(buildJSONNode(t.root))
	if err != nil {
		return fmt.Errorf("tree: encode snapshot: %w", err)
	}
	if err := t.ds.PutSync(treeKey, raw); err != nil {
		return fmt.Errorf("tree: persist snapshot: %w", err)
	}
	t.bus.Emit("tree.saved", map[string]any{"nodeCount": t.countNodes(t.root)}, time.Now().Unix())
	return nil
}

func (t *ContextTree) getOrCreateSegment(parent *Node, segmentName string, autoCreate bool) (*Node, error) {
	normName := layer.NormalizeName(segmentName)
	if child, ok := parent.childByLayerName(normName); ok {
		return child, nil
	}
	if !autoCreate {
		return nil, xerrors.NotFoundf("tree: %q has no segment %q", parent.Layer.Name, segmentName)
	}
	l, err := t.layers.CreateLayer(segmentName, layer.KindContext, nil)
	if err != nil {
		return nil, err
	}
	child := newNode(l)
	parent.addChild(child)
	return child, nil
}

// getNodesForPath resolves every non-root segment of path to a Node, in
// order from the root's direct child to the leaf. autoCreate controls
// whether missing segments are created as new context layers.
func (t *ContextTree) getNodesForPath(path string, autoCreate bool) ([]*Node, error) {
	segs := SplitPath(path)
	nodes := make([]*Node, 0, len(segs))
	cur := t.root
	for _, seg := range segs {
		next, err := t.getOrCreateSegment(cur, seg, autoCreate)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, next)
		cur = next
	}
	return nodes, nil
}

func parentOf(nodes []*Node, root *Node) *Node {
	if len(nodes) <= 1 {
		return root
	}
	return nodes[len(nodes)-2]
}

// InsertPath ensures every segment of path exists, creating context layers
// and nodes as needed, and returns the layer ids along the resolved path
// (the root's id alone for "/").
func (t *ContextTree) InsertPath(path string, autoCreate bool) Result[[]uuid.UUID] {
	t.mu.Lock()
	defer t.mu.Unlock()

	norm := NormalizePath(path)
	if norm == "/" {
		return Result[[]uuid.UUID]{Data: []uuid.UUID{t.root.ID}, Count: 1}
	}
	nodes, err := t.getNodesForPath(path, autoCreate)
	if err != nil {
		return Result[[]uuid.UUID]{Err: err}
	}
	if err := t.save(); err != nil {
		return Result[[]uuid.UUID]{Err: err}
	}
	ids := make([]uuid.UUID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	t.bus.Emit("tree.path.inserted", map[string]any{"path": norm, "layerIds": ids}, time.Now().Unix())
	return Result[[]uuid.UUID]{Data: ids, Count: len(ids)}
}

// PathExists reports whether every segment of path resolves to an existing
// node without creating anything.
func (t *ContextTree) PathExists(path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if NormalizePath(path) == "/" {
		return true
	}
	_, err := t.getNodesForPath(path, false)
	return err == nil
}

// PathToLayerIds resolves path to the layer ids along it, without creating
// anything. Returns nil for the root.
func (t *ContextTree) PathToLayerIds(path string) ([]uuid.UUID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if NormalizePath(path) == "/" {
		return nil, nil
	}
	nodes, err := t.getNodesForPath(path, false)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids, nil
}

// MovePath detaches the node at from and attaches it under the node at to
// (its new parent), refusing to move the root or a locked layer. When
// recursive is false and the node has children, they are re-parented to its
// old parent first, so only the (now childless) node itself moves.
// Attaching onto a destination that already holds a node for this layer id
// is a no-op attach (idempotent), though the source detach still happens.
func (t *ContextTree) MovePath(from, to string, recursive bool) Result[bool] {
	t.mu.Lock()
	defer t.mu.Unlock()

	fromNorm, toNorm := NormalizePath(from), NormalizePath(to)
	if fromNorm == "/" {
		return Result[bool]{Err: xerrors.Validationf("tree: cannot move root")}
	}
	fromNodes, err := t.getNodesForPath(from, false)
	if err != nil {
		return Result[bool]{Err: err}
	}
	node := fromNodes[len(fromNodes)-1]
	if node.Layer.Locked() {
		return Result[bool]{Err: xerrors.Lockedf("tree: %q is locked", node.Layer.Name)}
	}
	srcParent := parentOf(fromNodes, t.root)

	destNodes, err := t.getNodesForPath(to, true)
	if err != nil {
		return Result[bool]{Err: err}
	}
	var destParent *Node
	if len(destNodes) == 0 {
		destParent = t.root
	} else {
		destParent = destNodes[len(destNodes)-1]
	}

	if !recursive {
		for _, c := range node.childList() {
			node.removeChild(c.ID)
			if _, exists := srcParent.childByID(c.ID); !exists {
				srcParent.addChild(c)
			}
		}
	}

	srcParent.removeChild(node.ID)
	if _, exists := destParent.childByID(node.ID); !exists {
		destParent.addChild(node)
	}

	if err := t.save(); err != nil {
		return Result[bool]{Err: err}
	}
	t.bus.Emit("tree.path.moved", map[string]any{"from": fromNorm, "to": toNorm, "layerId": node.ID}, time.Now().Unix())
	return Result[bool]{Data: true, Count: 1}
}

// CopyPath clones the node at from (sharing its layer reference, per spec
// §3: the same layer may back distinct TreeNodes) as a child of the node at
// to. If recursive, descendants are cloned too. Cloning onto an existing
// destination node for the same layer id is idempotent: it reuses that node
// and still merges in any source descendants the destination is missing.
func (t *ContextTree) CopyPath(from, to string, recursive bool) Result[bool] {
	t.mu.Lock()
	defer t.mu.Unlock()

	fromNodes, err := t.getNodesForPath(from, false)
	if err != nil {
		return Result[bool]{Err: err}
	}
	node := fromNodes[len(fromNodes)-1]

	destNodes, err := t.getNodesForPath(to, true)
	if err != nil {
		return Result[bool]{Err: err}
	}
	var destParent *Node
	if len(destNodes) == 0 {
		destParent = t.root
	} else {
		destParent = destNodes[len(destNodes)-1]
	}

	t.copyInto(node, destParent, recursive)

	if err := t.save(); err != nil {
		return Result[bool]{Err: err}
	}
	t.bus.Emit("tree.path.copied", map[string]any{"from": NormalizePath(from), "to": NormalizePath(to)}, time.Now().Unix())
	return Result[bool]{Data: true, Count: 1}
}

func (t *ContextTree) copyInto(src, destParent *Node, recursive bool) *Node {
	target, exists := destParent.childByID(src.ID)
	if !exists {
		target = newNode(src.Layer)
		destParent.addChild(target)
	}
	if recursive {
		for _, c := range src.childList() {
			t.copyInto(c, target, true)
		}
	}
	return target
}

// RemovePath detaches the node at path, refusing the root and a locked
// layer. When recursive is false and the node has children, they are
// re-parented to the node's own parent (their grandparent) before removal;
// otherwise the whole subtree is dropped.
func (t *ContextTree) RemovePath(path string, recursive bool) Result[bool] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if NormalizePath(path) == "/" {
		return Result[bool]{Err: xerrors.Validationf("tree: cannot remove root")}
	}
	nodes, err := t.getNodesForPath(path, false)
	if err != nil {
		return Result[bool]{Err: err}
	}
	node := nodes[len(nodes)-1]
	if node.Layer.Locked() {
		return Result[bool]{Err: xerrors.Lockedf("tree: %q is locked", node.Layer.Name)}
	}
	parent := parentOf(nodes, t.root)

	if !recursive {
		for _, c := range node.childList() {
			node.removeChild(c.ID)
			if _, exists := parent.childByID(c.ID); !exists {
				parent.addChild(c)
			}
		}
	}
	parent.removeChild(node.ID)

	if err := t.save(); err != nil {
		return Result[bool]{Err: err}
	}
	t.bus.Emit("tree.path.removed", map[string]any{"path": NormalizePath(path), "recursive": recursive}, time.Now().Unix())
	return Result[bool]{Data: true, Count: 1}
}

// DeleteLayer destroys the layer named name: its backing bitmap is removed
// outright (not just emptied), every TreeNode referencing it anywhere in the
// tree is dropped, the resulting snapshot is saved, and the layer record
// itself is finally removed from the LayerIndex. Refuses the root layer and
// a locked layer, matching RemovePath/MovePath's guards.
func (t *ContextTree) DeleteLayer(name string) Result[bool] {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, err := t.layers.ByName(name)
	if err != nil {
		return Result[bool]{Err: err}
	}
	if l.Name == layer.RootName {
		return Result[bool]{Err: xerrors.Validationf("tree: cannot delete root layer")}
	}
	if l.Locked() {
		return Result[bool]{Err: xerrors.Lockedf("tree: %q is locked", name)}
	}

	if err := t.bitmaps.DeleteBitmap(l.Name); err != nil {
		return Result[bool]{Err: err}
	}
	t.root.removeLayerRecursive(l.ID)

	if err := t.save(); err != nil {
		return Result[bool]{Err: err}
	}
	t.bus.Emit("tree.recalculated", map[string]any{"layerId": l.ID, "reason": "layer deleted"}, time.Now().Unix())

	if err := t.layers.RemoveLayer(name); err != nil {
		return Result[bool]{Err: err}
	}
	return Result[bool]{Data: true, Count: 1}
}

// LockPath locks every layer along path for by, returning the names that
// actually changed state (layers already locked by by are left alone).
func (t *ContextTree) LockPath(path, by string) Result[[]string] {
	return t.setLockAlongPath(path, by, true)
}

// UnlockPath unlocks every layer along path for by.
func (t *ContextTree) UnlockPath(path, by string) Result[[]string] {
	return t.setLockAlongPath(path, by, false)
}

func (t *ContextTree) setLockAlongPath(path, by string, lock bool) Result[[]string] {
	t.mu.Lock()
	defer t.mu.Unlock()

	segs := SplitPath(path)
	changed := make([]string, 0, len(segs))
	for _, name := range segs {
		var didChange bool
		var err error
		if lock {
			_, didChange, err = t.layers.LockLayer(name, by)
		} else {
			_, didChange, err = t.layers.UnlockLayer(name, by)
		}
		if err != nil {
			return Result[[]string]{Err: err}
		}
		if didChange {
			changed = append(changed, name)
		}
	}
	if len(changed) > 0 {
		topic := "tree.path.locked"
		if !lock {
			topic = "tree.path.unlocked"
		}
		t.bus.Emit(topic, map[string]any{"path": NormalizePath(path), "layers": changed, "by": by}, time.Now().Unix())
	}
	return Result[[]string]{Data: changed, Count: len(changed)}
}

// MergeUp unions the last segment's bitmap into every ancestor's bitmap.
func (t *ContextTree) MergeUp(path string) Result[[]string] {
	return t.mergeOrSubtract(path, true, true)
}

// MergeDown unions every ancestor's bitmap into the last segment's bitmap.
func (t *ContextTree) MergeDown(path string) Result[[]string] {
	return t.mergeOrSubtract(path, false, true)
}

// SubtractUp removes the last segment's members from every ancestor.
func (t *ContextTree) SubtractUp(path string) Result[[]string] {
	return t.mergeOrSubtract(path, true, false)
}

// SubtractDown removes every ancestor's members from the last segment.
func (t *ContextTree) SubtractDown(path string) Result[[]string] {
	return t.mergeOrSubtract(path, false, false)
}

// mergeOrSubtract implements the four merge/subtract operations (spec §4.4):
// up means ancestors receive the last segment's influence, down means the
// last segment receives the ancestors'. merge unions, !merge (subtract)
// removes. Bitmap keys are the segments' normalized names — the same global
// bitmap a layer uses everywhere it appears in the tree.
func (t *ContextTree) mergeOrSubtract(path string, up, merge bool) Result[[]string] {
	t.mu.RLock()
	defer t.mu.RUnlock()

	segs := SplitPath(path)
	if len(segs) == 0 {
		return Result[[]string]{Err: xerrors.Validationf("tree: root has no ancestors to merge")}
	}
	last := segs[len(segs)-1]
	ancestors := segs[:len(segs)-1]
	if len(ancestors) == 0 {
		return Result[[]string]{Data: []string{}, Count: 0}
	}

	if up {
		lastOIDs, err := t.bitmapMembers(last)
		if err != nil {
			return Result[[]string]{Err: err}
		}
		for _, a := range ancestors {
			if merge {
				if err := t.bitmaps.Tick(a, lastOIDs...); err != nil {
					return Result[[]string]{Err: err}
				}
			} else if _, err := t.bitmaps.Untick(a, lastOIDs...); err != nil {
				return Result[[]string]{Err: err}
			}
		}
	} else {
		for _, a := range ancestors {
			aOIDs, err := t.bitmapMembers(a)
			if err != nil {
				return Result[[]string]{Err: err}
			}
			if merge {
				if err := t.bitmaps.Tick(last, aOIDs...); err != nil {
					return Result[[]string]{Err: err}
				}
			} else if _, err := t.bitmaps.Untick(last, aOIDs...); err != nil {
				return Result[[]string]{Err: err}
			}
		}
	}

	topic := mergeTopic(up, merge)
	t.bus.Emit(topic, map[string]any{"path": NormalizePath(path), "affected": ancestors}, time.Now().Unix())
	return Result[[]string]{Data: ancestors, Count: len(ancestors)}
}

func mergeTopic(up, merge bool) string {
	switch {
	case up && merge:
		return "tree.layer.merged.up"
	case !up && merge:
		return "tree.layer.merged.down"
	case up && !merge:
		return "tree.layer.subtracted.up"
	default:
		return "tree.layer.subtracted.down"
	}
}

func (t *ContextTree) bitmapMembers(key string) ([]uint32, error) {
	b, err := t.bitmaps.Get(key, false)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	return b.ToArray(), nil
}

// Root returns the universe node.
func (t *ContextTree) Root() *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}
