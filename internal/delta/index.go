package delta

import (
	"sort"
)

// DirtyNode is one node of a dirty-path index. A node exists in the index
// only if something changed at or below its path.
//
// IsDirty is set when a change targeted this node exactly, in which case the
// whole subtree was replaced and Value holds the written value (nil for a
// removal).
type DirtyNode struct {
	IsDirty  bool
	Value    any
	Children map[string]*DirtyNode
}

// BuildIndex indexes a batch of changes by path. It returns the root of the
// index and the changes that remain effective: a change below a node that an
// earlier change in the same batch removed is dropped, so a subtree removal
// wins over later writes into that subtree.
//
// Work is proportional to the summed path lengths of the batch.
func BuildIndex(changes []Change) (*DirtyNode, []Change) {
	root := &DirtyNode{}
	effective := make([]Change, 0, len(changes))

	for _, c := range changes {
		if len(c.Path) == 0 {
			continue
		}
		if root.insert(c) {
			effective = append(effective, c)
		}
	}
	return root, effective
}

func (n *DirtyNode) insert(c Change) bool {
	node := n
	last := len(c.Path) - 1
	for i, key := range c.Path {
		if node.IsDirty && i > 0 {
			if node.Value == nil {
				// removed earlier in this batch
				return false
			}
			// whole subtree already marked; the write merges into it
			return true
		}
		if node.Children == nil {
			node.Children = make(map[string]*DirtyNode)
		}
		child := node.Children[key]
		if child == nil {
			child = &DirtyNode{}
			node.Children[key] = child
		}
		if i == last {
			child.IsDirty = true
			child.Value = c.Value
			child.Children = nil
			return true
		}
		node = child
	}
	return true
}

// Child returns the index of the subtree under key, or nil if nothing there
// changed. When this node was replaced wholesale, every child counts as
// replaced too.
func (n *DirtyNode) Child(key string) *DirtyNode {
	if n == nil {
		return nil
	}
	if child, ok := n.Children[key]; ok {
		return child
	}
	if n.IsDirty {
		var value any
		if m, ok := n.Value.(map[string]any); ok {
			value = m[key]
		}
		return &DirtyNode{IsDirty: true, Value: value}
	}
	return nil
}

// Get walks keys from n. It returns nil if nothing changed along the way.
func (n *DirtyNode) Get(keys ...string) *DirtyNode {
	node := n
	for _, key := range keys {
		node = node.Child(key)
		if node == nil {
			return nil
		}
	}
	return node
}

// Changed reports whether anything at or below key changed.
func (n *DirtyNode) Changed(key string) bool {
	return n.Child(key) != nil
}

// Keys returns the explicitly indexed child keys in sorted order. A replaced
// node may have no explicit children; callers check IsDirty first.
func (n *DirtyNode) Keys() []string {
	if n == nil {
		return nil
	}
	keys := make([]string, 0, len(n.Children))
	for key := range n.Children {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
