// Package datatree holds the JSON-like base data tree. The only way to write
// to a Tree is Apply, so every write produces a dirty-path index.
package datatree

import (
	"fmt"

	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/path"
)

// Tree is a JSON-like tree of map[string]any, []any, string, float64 and bool.
// It is not safe for concurrent use; owners serialize access.
type Tree struct {
	root map[string]any
}

// New creates a tree from an initial snapshot. The snapshot is copied.
func New(snapshot map[string]any) *Tree {
	root, _ := Normalize(snapshot).(map[string]any)
	if root == nil {
		root = make(map[string]any)
	}
	return &Tree{root: root}
}

// Get returns the node at p. The result is shared with the tree and must not
// be modified.
func (t *Tree) Get(p path.Path) (any, bool) {
	var node any = t.root
	for _, key := range p {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// Exists reports whether a node is present at p.
func (t *Tree) Exists(p path.Path) bool {
	_, ok := t.Get(p)
	return ok
}

// Map returns the map at p, or nil.
func (t *Tree) Map(p path.Path) map[string]any {
	v, _ := t.Get(p)
	m, _ := v.(map[string]any)
	return m
}

// String returns the string at p, or "".
func (t *Tree) String(p path.Path) string {
	v, _ := t.Get(p)
	s, _ := v.(string)
	return s
}

// Number returns the number at p, or 0.
func (t *Tree) Number(p path.Path) float64 {
	v, _ := t.Get(p)
	f, _ := v.(float64)
	return f
}

// Strings returns the list of strings at p. Non-string entries are skipped.
func (t *Tree) Strings(p path.Path) []string {
	v, _ := t.Get(p)
	return StringList(v)
}

// Keys returns the keys of the map at p in sorted order.
func (t *Tree) Keys(p path.Path) []string {
	return SortedKeys(t.Map(p))
}

// Snapshot returns a deep copy of the whole tree.
func (t *Tree) Snapshot() map[string]any {
	return Normalize(t.root).(map[string]any)
}

// Apply writes a batch of changes in order and returns the dirty-path index
// of the batch. Values are copied into the tree. The batch is rejected as a
// whole if any change has an invalid path.
func (t *Tree) Apply(changes []delta.Change) (*delta.DirtyNode, error) {
	if err := delta.ValidateAll(changes); err != nil {
		return nil, err
	}
	index, effective := delta.BuildIndex(changes)
	for _, c := range effective {
		if c.IsRemove() {
			t.remove(c.Path)
		} else {
			t.set(c.Path, Normalize(c.Value))
		}
	}
	return index, nil
}

// set writes value at p, creating intermediate maps. Siblings are untouched.
func (t *Tree) set(p path.Path, value any) {
	node := t.root
	for _, key := range p[:len(p)-1] {
		next, ok := node[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[key] = next
		}
		node = next
	}
	node[p.Last()] = value
}

func (t *Tree) remove(p path.Path) {
	node := t.root
	for _, key := range p[:len(p)-1] {
		next, ok := node[key].(map[string]any)
		if !ok {
			return
		}
		node = next
	}
	delete(node, p.Last())
}

// Dump renders the node at p for debugging.
func (t *Tree) Dump(p path.Path) string {
	v, ok := t.Get(p)
	if !ok {
		return fmt.Sprintf("%s: <missing>", p)
	}
	return fmt.Sprintf("%s: %v", p, v)
}
