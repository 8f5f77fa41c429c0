package sdk

import (
	"fmt"
	"sort"

	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/permission"
)

// BaseKey is a watchable key of Base.
type BaseKey string

const (
	BaseKeyName            BaseKey = "name"
	BaseKeyTables          BaseKey = "tables"
	BaseKeyPermissionLevel BaseKey = "permissionLevel"
)

func validBaseKey(k BaseKey) bool {
	switch k {
	case BaseKeyName, BaseKeyTables, BaseKeyPermissionLevel:
		return true
	}
	return false
}

// Base is the root model of a session.
type Base struct {
	model[BaseKey]
	tables    map[string]*Table
	tableList []*Table
}

func newBase(s *Session) *Base {
	return &Base{
		model:  newModel(s, "base", s.tree.String(path.Path{path.KeyID}), validBaseKey),
		tables: make(map[string]*Table),
	}
}

// Name returns the base name.
func (b *Base) Name() string {
	b.session.mu.Lock()
	defer b.session.mu.Unlock()
	return b.session.tree.String(path.Path{path.KeyName})
}

// PermissionLevel returns the session's permission level on the base.
func (b *Base) PermissionLevel() permission.Level {
	b.session.mu.Lock()
	defer b.session.mu.Unlock()
	l, err := permission.Parse(b.session.tree.String(path.Path{path.KeyPermission}))
	if err != nil {
		return permission.None
	}
	return l
}

// CurrentUserID returns the id of the user the session belongs to.
func (b *Base) CurrentUserID() string {
	b.session.mu.Lock()
	defer b.session.mu.Unlock()
	return b.session.tree.String(path.Path{path.KeyCurrentUser})
}

// Tables returns the tables in base order.
func (b *Base) Tables() []*Table {
	b.session.mu.Lock()
	defer b.session.mu.Unlock()
	return append([]*Table(nil), b.tablesLocked()...)
}

func (b *Base) tablesLocked() []*Table {
	if b.tableList != nil {
		return b.tableList
	}
	tree := b.session.tree
	present := tree.Map(path.Path{path.KeyTables})
	seen := make(map[string]bool, len(present))
	list := make([]*Table, 0, len(present))
	for _, id := range tree.Strings(path.TableOrder()) {
		if _, ok := present[id]; ok && !seen[id] {
			seen[id] = true
			list = append(list, b.tableLocked(id))
		}
	}
	var rest []string
	for id := range present {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		list = append(list, b.tableLocked(id))
	}
	b.tableList = list
	return list
}

// GetTableByIDIfExists returns the table model for id, or nil. Repeated
// calls return the same instance while the table exists.
func (b *Base) GetTableByIDIfExists(id string) *Table {
	b.session.mu.Lock()
	defer b.session.mu.Unlock()
	return b.tableLocked(id)
}

// GetTableByNameIfExists returns the table named name, or nil.
func (b *Base) GetTableByNameIfExists(name string) *Table {
	b.session.mu.Lock()
	defer b.session.mu.Unlock()
	return b.tableByNameLocked(name)
}

// GetTable looks a table up by id, then by name.
func (b *Base) GetTable(idOrName string) (*Table, error) {
	b.session.mu.Lock()
	defer b.session.mu.Unlock()
	if t := b.tableLocked(idOrName); t != nil {
		return t, nil
	}
	if t := b.tableByNameLocked(idOrName); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("table %q: %w", idOrName, ErrNotFound)
}

func (b *Base) tableByNameLocked(name string) *Table {
	for _, t := range b.tablesLocked() {
		if t.nameLocked() == name {
			return t
		}
	}
	return nil
}

func (b *Base) tableLocked(id string) *Table {
	if t, ok := b.tables[id]; ok {
		return t
	}
	if !b.session.tree.Exists(path.Table(id)) {
		return nil
	}
	t := newTable(b.session, id)
	b.tables[id] = t
	return t
}

func (b *Base) process(root *delta.DirtyNode) {
	if root.Changed(path.KeyName) {
		b.emit(BaseKeyName, nil)
	}
	if root.Changed(path.KeyPermission) {
		b.emit(BaseKeyPermissionLevel, nil)
	}

	tablesChanged := root.Changed(path.KeyTableOrder)
	if tn := root.Child(path.KeyTables); tn != nil {
		tree := b.session.tree
		for _, id := range sortedIDs(b.tables) {
			child := tn.Child(id)
			if child == nil {
				continue
			}
			t := b.tables[id]
			if !tree.Exists(path.Table(id)) {
				t.destroy()
				delete(b.tables, id)
				tablesChanged = true
				continue
			}
			t.process(child)
		}
		if tn.IsDirty {
			tablesChanged = true
		}
		for _, id := range tn.Keys() {
			if tn.Children[id].IsDirty {
				tablesChanged = true
			}
		}
	}
	if tablesChanged {
		b.tableList = nil
		b.emit(BaseKeyTables, nil)
	}
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
