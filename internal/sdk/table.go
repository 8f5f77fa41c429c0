package sdk

import (
	"fmt"
	"sort"

	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/query"
)

// TableKey is a watchable key of Table.
type TableKey string

const (
	TableKeyName         TableKey = "name"
	TableKeyDescription  TableKey = "description"
	TableKeyPrimaryField TableKey = "primaryField"
	TableKeyFields       TableKey = "fields"
	TableKeyViews        TableKey = "views"
)

func validTableKey(k TableKey) bool {
	switch k {
	case TableKeyName, TableKeyDescription, TableKeyPrimaryField, TableKeyFields, TableKeyViews:
		return true
	}
	return false
}

// Table is a table of the base.
type Table struct {
	model[TableKey]
	fields    map[string]*Field
	fieldList []*Field
	views     map[string]*View
	viewList  []*View
	records   *RecordStore
	queries   map[*QueryResult]struct{}
}

func newTable(s *Session, id string) *Table {
	t := &Table{
		model:   newModel(s, "table", id, validTableKey),
		fields:  make(map[string]*Field),
		views:   make(map[string]*View),
		queries: make(map[*QueryResult]struct{}),
	}
	t.records = newRecordStore(t)
	return t
}

func (t *Table) path() path.Path {
	return path.Table(t.id)
}

// Name returns the table name.
func (t *Table) Name() string {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	return t.nameLocked()
}

func (t *Table) nameLocked() string {
	return t.session.tree.String(t.path().Child(path.KeyName))
}

// Description returns the table description.
func (t *Table) Description() string {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	return t.session.tree.String(t.path().Child(path.KeyDescription))
}

// PrimaryField returns the primary field.
func (t *Table) PrimaryField() *Field {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	return t.fieldLocked(t.primaryFieldIDLocked())
}

func (t *Table) primaryFieldIDLocked() string {
	return t.session.tree.String(t.path().Child(path.KeyPrimaryField))
}

// Fields returns the fields, primary field first.
func (t *Table) Fields() []*Field {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	return append([]*Field(nil), t.fieldsLocked()...)
}

func (t *Table) fieldsLocked() []*Field {
	if t.fieldList != nil {
		return t.fieldList
	}
	ids := t.session.tree.Keys(t.path().Child(path.KeyFields))
	primary := t.primaryFieldIDLocked()
	sort.SliceStable(ids, func(i, j int) bool { return ids[i] == primary && ids[j] != primary })
	list := make([]*Field, 0, len(ids))
	for _, id := range ids {
		list = append(list, t.fieldLocked(id))
	}
	t.fieldList = list
	return list
}

// GetFieldByIDIfExists returns the field model for id, or nil.
func (t *Table) GetFieldByIDIfExists(id string) *Field {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	return t.fieldLocked(id)
}

// GetFieldByNameIfExists returns the field named name, or nil.
func (t *Table) GetFieldByNameIfExists(name string) *Field {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	return t.fieldByNameLocked(name)
}

// GetField looks a field up by id, then by name.
func (t *Table) GetField(idOrName string) (*Field, error) {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	if f := t.resolveFieldLocked(idOrName); f != nil {
		return f, nil
	}
	return nil, fmt.Errorf("field %q in table %s: %w", idOrName, t.id, ErrNotFound)
}

func (t *Table) resolveFieldLocked(idOrName string) *Field {
	if f := t.fieldLocked(idOrName); f != nil {
		return f
	}
	return t.fieldByNameLocked(idOrName)
}

func (t *Table) fieldByNameLocked(name string) *Field {
	for _, f := range t.fieldsLocked() {
		if f.nameLocked() == name {
			return f
		}
	}
	return nil
}

func (t *Table) fieldLocked(id string) *Field {
	if id == "" {
		return nil
	}
	if f, ok := t.fields[id]; ok {
		return f
	}
	if !t.session.tree.Exists(path.Field(t.id, id)) {
		return nil
	}
	f := newField(t, id)
	t.fields[id] = f
	return f
}

// fieldNamesLocked maps field ids to names for filters.
func (t *Table) fieldNamesLocked() map[string]string {
	fields := t.session.tree.Map(t.path().Child(path.KeyFields))
	names := make(map[string]string, len(fields))
	for id, raw := range fields {
		f, _ := raw.(map[string]any)
		name, _ := f[path.KeyName].(string)
		names[id] = name
	}
	return names
}

// Views returns the views in table order.
func (t *Table) Views() []*View {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	return append([]*View(nil), t.viewsLocked()...)
}

func (t *Table) viewsLocked() []*View {
	if t.viewList != nil {
		return t.viewList
	}
	tree := t.session.tree
	present := tree.Map(t.path().Child(path.KeyViews))
	seen := make(map[string]bool, len(present))
	list := make([]*View, 0, len(present))
	for _, id := range tree.Strings(t.path().Child(path.KeyViewOrder)) {
		if _, ok := present[id]; ok && !seen[id] {
			seen[id] = true
			list = append(list, t.viewLocked(id))
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
		list = append(list, t.viewLocked(id))
	}
	t.viewList = list
	return list
}

// GetViewByIDIfExists returns the view model for id, or nil.
func (t *Table) GetViewByIDIfExists(id string) *View {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	return t.viewLocked(id)
}

// GetViewByNameIfExists returns the view named name, or nil.
func (t *Table) GetViewByNameIfExists(name string) *View {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	return t.viewByNameLocked(name)
}

// GetView looks a view up by id, then by name.
func (t *Table) GetView(idOrName string) (*View, error) {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	if v := t.viewLocked(idOrName); v != nil {
		return v, nil
	}
	if v := t.viewByNameLocked(idOrName); v != nil {
		return v, nil
	}
	return nil, fmt.Errorf("view %q in table %s: %w", idOrName, t.id, ErrNotFound)
}

func (t *Table) viewByNameLocked(name string) *View {
	for _, v := range t.viewsLocked() {
		if v.nameLocked() == name {
			return v
		}
	}
	return nil
}

func (t *Table) viewLocked(id string) *View {
	if id == "" {
		return nil
	}
	if v, ok := t.views[id]; ok {
		return v
	}
	if !t.session.tree.Exists(path.View(t.id, id)) {
		return nil
	}
	v := newView(t, id)
	t.views[id] = v
	return v
}

// SelectRecords returns the shared query result for opts. Each call takes a
// reference that the caller gives back with Release.
func (t *Table) SelectRecords(opts query.Options) (*QueryResult, error) {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	return t.session.queries.getOrCreateLocked(t, nil, opts)
}

// IsRecordDataLoaded reports whether the table's records are loaded.
func (t *Table) IsRecordDataLoaded() bool {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	return t.records.data.isLoaded()
}

// GetRecordByIDIfExists returns the record model for id, or nil. The
// table's records must be loaded, e.g. through a query result.
func (t *Table) GetRecordByIDIfExists(id string) *Record {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	t.records.assertLoaded()
	return t.records.recordLocked(id)
}

// RecordCount returns the number of loaded records.
func (t *Table) RecordCount() int {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.assertLive()
	t.records.assertLoaded()
	return len(t.records.seq)
}

// tableChange summarizes one batch for the query results of a table.
type tableChange struct {
	schema     bool
	membership bool
	cells      map[string][]string
	viewOrders map[string]bool
}

func (t *Table) process(node *delta.DirtyNode) {
	tree := t.session.tree
	var ch tableChange

	if node.Changed(path.KeyName) {
		t.emit(TableKeyName, nil)
	}
	if node.Changed(path.KeyDescription) {
		t.emit(TableKeyDescription, nil)
	}
	fieldsChanged := false
	if node.Changed(path.KeyPrimaryField) {
		fieldsChanged = true
		t.emit(TableKeyPrimaryField, nil)
	}

	if fn := node.Child(path.KeyFields); fn != nil {
		ch.schema = true
		for _, id := range sortedIDs(t.fields) {
			child := fn.Child(id)
			if child == nil {
				continue
			}
			f := t.fields[id]
			if !tree.Exists(path.Field(t.id, id)) {
				f.markDeleted()
				delete(t.fields, id)
				fieldsChanged = true
				continue
			}
			f.process(child)
		}
		if addedOrRemoved(fn) {
			fieldsChanged = true
		}
	}
	if fieldsChanged {
		t.fieldList = nil
		t.emit(TableKeyFields, nil)
	}

	viewsChanged := node.Changed(path.KeyViewOrder)
	if vn := node.Child(path.KeyViews); vn != nil {
		for _, id := range sortedIDs(t.views) {
			child := vn.Child(id)
			if child == nil {
				continue
			}
			v := t.views[id]
			if !tree.Exists(path.View(t.id, id)) {
				v.destroy()
				delete(t.views, id)
				viewsChanged = true
				continue
			}
			if v.process(child) {
				if ch.viewOrders == nil {
					ch.viewOrders = make(map[string]bool)
				}
				ch.viewOrders[id] = true
			}
		}
		if addedOrRemoved(vn) {
			viewsChanged = true
		}
	}
	if viewsChanged {
		t.viewList = nil
		t.emit(TableKeyViews, nil)
	}
	if fieldsChanged {
		for _, v := range t.views {
			v.metadata.invalidate()
		}
	}

	if rn := node.Child(path.KeyRecords); rn != nil {
		ch.membership, ch.cells = t.records.process(rn)
	}

	for _, q := range t.sortedQueries() {
		q.update(ch)
	}
}

// addedOrRemoved reports whether a collection node had entries replaced
// wholesale, which is how entries are added and removed.
func addedOrRemoved(n *delta.DirtyNode) bool {
	if n.IsDirty {
		return true
	}
	for _, child := range n.Children {
		if child.IsDirty {
			return true
		}
	}
	return false
}

func (t *Table) sortedQueries() []*QueryResult {
	list := make([]*QueryResult, 0, len(t.queries))
	for q := range t.queries {
		list = append(list, q)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].fingerprint < list[j].fingerprint })
	return list
}

// destroy marks the table and everything under it deleted. Caller holds
// the lock.
func (t *Table) destroy() {
	t.markDeleted()
	for id, f := range t.fields {
		f.markDeleted()
		delete(t.fields, id)
	}
	for id, v := range t.views {
		v.destroy()
		delete(t.views, id)
	}
	t.fieldList = nil
	t.viewList = nil
	for _, q := range t.sortedQueries() {
		q.destroyLocked()
	}
	t.records.destroy()
}

// dataLoadedChangedLocked is called when record or view data of the table
// was loaded or unloaded.
func (t *Table) dataLoadedChangedLocked() {
	for _, q := range t.sortedQueries() {
		q.dataLoadedChanged()
	}
}
