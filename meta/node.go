package meta

import (
	"fwbids/common"
)

// Node is a single container of the platform hierarchy. Data holds the
// container fields as delivered by the platform (id, label, info, and for
// files name, type, classification, modified); children keep the order the
// hierarchy presents them in.
type Node struct {
	Type     common.ContainerType
	Data     map[string]any
	Children []*Node
}

// NewNode creates node of the given type, data may be nil.
func NewNode(t common.ContainerType, data map[string]any) *Node {
	if data == nil {
		data = make(map[string]any)
	}
	return &Node{Type: t, Data: data}
}

// Add appends children and returns the node itself.
func (n *Node) Add(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

func (n *Node) ID() string {
	s, _ := LookupString(n.Data, "id")
	return s
}

func (n *Node) Label() string {
	s, _ := LookupString(n.Data, "label")
	return s
}

// Name returns file name for file nodes and label for everything else.
func (n *Node) Name() string {
	if n.Type == common.ContainerTypeFile {
		s, _ := LookupString(n.Data, "name")
		return s
	}
	return n.Label()
}

// Info returns container info map, creating it when absent.
func (n *Node) Info() map[string]any {
	info, ok := n.Data["info"].(map[string]any)
	if !ok {
		info = make(map[string]any)
		n.Data["info"] = info
	}
	return info
}

// BIDS returns BIDS block when container has one which is not the "NA"
// sentinel.
func (n *Node) BIDS() (map[string]any, bool) {
	return BIDSBlock(n.Data)
}

// BIDSBlock extracts BIDS block from container data.
func BIDSBlock(container map[string]any) (map[string]any, bool) {
	info, ok := container["info"].(map[string]any)
	if !ok {
		return nil, false
	}
	block, ok := info[Namespace].(map[string]any)
	return block, ok
}

// IsNotApplicable reports whether container was explicitly marked as not
// relevant for BIDS.
func IsNotApplicable(container map[string]any) bool {
	info, ok := container["info"].(map[string]any)
	if !ok {
		return false
	}
	s, ok := info[Namespace].(string)
	return ok && s == NotApplicable
}

// Walk visits node and all descendants depth first in child order. Parents
// lists ancestors of the visited node starting from the root.
func (n *Node) Walk(fn func(node *Node, parents []*Node) error) error {
	return n.walk(nil, fn)
}

func (n *Node) walk(parents []*Node, fn func(*Node, []*Node) error) error {
	if err := fn(n, parents); err != nil {
		return err
	}
	parents = append(parents, n)
	for _, c := range n.Children {
		if err := c.walk(parents, fn); err != nil {
			return err
		}
	}
	return nil
}
