package tree

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/agentic-research/synapsd/internal/layer"
	"github.com/google/uuid"
)

// Node is a TreeNode from spec §3: its id is its layer's id, it borrows the
// layer payload by reference (LayerIndex owns every Layer; nodes never deep
// copy one), and its children are insertion-ordered so a persisted snapshot
// round-trips deterministically.
type Node struct {
	ID       uuid.UUID
	Layer    *layer.Layer
	Children *orderedmap.OrderedMap[uuid.UUID, *Node]
	parent   *Node
}

func newNode(l *layer.Layer) *Node {
	return &Node{ID: l.ID, Layer: l, Children: orderedmap.New[uuid.UUID, *Node]()}
}

func (n *Node) childByID(id uuid.UUID) (*Node, bool) {
	return n.Children.Get(id)
}

// childByLayerName finds a child whose layer has the given normalized name.
// A layer id may appear at multiple tree positions, but within one parent's
// children there is at most one node per layer id (spec §3 TreeNode
// invariant), so linear scan by name is equivalent to scanning by id here.
func (n *Node) childByLayerName(normName string) (*Node, bool) {
	for pair := n.Children.Oldest(); pair != nil; pair = pair.Next() {
		if layer.NormalizeName(pair.Value.Layer.Name) == normName {
			return pair.Value, true
		}
	}
	return nil, false
}

func (n *Node) addChild(child *Node) {
	n.Children.Set(child.ID, child)
	child.parent = n
}

func (n *Node) removeChild(id uuid.UUID) {
	n.Children.Delete(id)
}

func (n *Node) childList() []*Node {
	out := make([]*Node, 0, n.Children.Len())
	for pair := n.Children.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// removeLayerRecursive drops every node (anywhere in the subtree rooted at
// n, including n's children transitively) whose layer id matches id. Used
// when a layer is deleted from the LayerIndex and the tree must forget it.
func (n *Node) removeLayerRecursive(id uuid.UUID) {
	for _, child := range n.childList() {
		if child.ID == id {
			n.removeChild(child.ID)
			continue
		}
		child.removeLayerRecursive(id)
	}
}
