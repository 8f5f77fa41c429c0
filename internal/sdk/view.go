package sdk

import (
	"context"

	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/query"
)

// ViewKey is a watchable key of View.
type ViewKey string

const (
	ViewKeyName ViewKey = "name"
	ViewKeyType ViewKey = "type"
)

func validViewKey(k ViewKey) bool {
	return k == ViewKeyName || k == ViewKeyType
}

// View is a saved view of a table. Its field order and visible records are
// loaded on demand through Metadata or view queries.
type View struct {
	model[ViewKey]
	table    *Table
	data     *asyncData
	metadata *ViewMetadata
}

func newView(t *Table, id string) *View {
	s := t.session
	v := &View{model: newModel(s, "view", id, validViewKey), table: t}
	tableID := t.id
	v.data = newAsyncData(s, "view:"+tableID+":"+id, []path.Path{
		path.FieldOrder(tableID, id),
		path.VisibleRecordIDs(tableID, id),
	})
	v.data.fetch = func(ctx context.Context) ([]delta.Change, error) {
		snap, err := s.host.FetchAndSubscribeToViewData(ctx, tableID, id)
		if err != nil {
			return nil, err
		}
		order, ok := snap[path.KeyFieldOrder]
		if !ok {
			order = map[string]any{path.KeyFieldIDs: []any{}, path.KeyVisibleCount: 0}
		}
		visible, ok := snap[path.KeyVisibleRecords]
		if !ok {
			visible = []any{}
		}
		return []delta.Change{
			delta.Set(path.FieldOrder(tableID, id), order),
			delta.Set(path.VisibleRecordIDs(tableID, id), visible),
		}, nil
	}
	v.data.unsubscribe = func() { s.host.UnsubscribeFromViewData(tableID, id) }
	v.data.onChange = func(bool) {
		v.metadata.loadedChanged()
		t.dataLoadedChangedLocked()
	}
	v.metadata = newViewMetadata(v)
	return v
}

func (v *View) path() path.Path {
	return path.View(v.table.id, v.id)
}

// Table returns the table the view belongs to.
func (v *View) Table() *Table {
	return v.table
}

// Name returns the view name.
func (v *View) Name() string {
	v.session.mu.Lock()
	defer v.session.mu.Unlock()
	v.assertLive()
	return v.nameLocked()
}

func (v *View) nameLocked() string {
	return v.session.tree.String(v.path().Child(path.KeyName))
}

// Type returns the view type, e.g. grid.
func (v *View) Type() string {
	v.session.mu.Lock()
	defer v.session.mu.Unlock()
	v.assertLive()
	return v.session.tree.String(v.path().Child(path.KeyType))
}

// Metadata returns the view's field order model.
func (v *View) Metadata() *ViewMetadata {
	return v.metadata
}

// SelectRecords returns the shared query result over the view's visible
// records, in view order unless opts sorts them.
func (v *View) SelectRecords(opts query.Options) (*QueryResult, error) {
	v.session.mu.Lock()
	defer v.session.mu.Unlock()
	v.assertLive()
	return v.session.queries.getOrCreateLocked(v.table, v, opts)
}

// process reports whether the visible records changed.
func (v *View) process(node *delta.DirtyNode) bool {
	if node.Changed(path.KeyName) {
		v.emit(ViewKeyName, nil)
	}
	if node.Changed(path.KeyType) {
		v.emit(ViewKeyType, nil)
	}
	if node.Changed(path.KeyFieldOrder) {
		v.metadata.fieldOrderChanged()
	}
	return node.Changed(path.KeyVisibleRecords)
}

// destroy marks the view, its metadata and its queries deleted. Caller
// holds the lock.
func (v *View) destroy() {
	v.markDeleted()
	v.metadata.markDeleted()
	for _, q := range v.table.sortedQueries() {
		if q.view == v {
			q.destroyLocked()
		}
	}
	v.data.drop()
}

// ViewMetadataKey is a watchable key of ViewMetadata.
type ViewMetadataKey string

const (
	ViewMetadataKeyAllFields     ViewMetadataKey = "allFields"
	ViewMetadataKeyVisibleFields ViewMetadataKey = "visibleFields"
	ViewMetadataKeyIsDataLoaded  ViewMetadataKey = "isDataLoaded"
)

func validViewMetadataKey(k ViewMetadataKey) bool {
	switch k {
	case ViewMetadataKeyAllFields, ViewMetadataKeyVisibleFields, ViewMetadataKeyIsDataLoaded:
		return true
	}
	return false
}

// ViewMetadata exposes a view's field order. Watching allFields or
// visibleFields loads it.
type ViewMetadata struct {
	model[ViewMetadataKey]
	view   *View
	handle loadHandle
}

func newViewMetadata(v *View) *ViewMetadata {
	m := &ViewMetadata{model: newModel(v.session, "viewMetadata", v.id, validViewMetadataKey), view: v}
	m.handle = loadHandle{session: v.session, deps: []*asyncData{v.data}, dead: &m.deleted}
	m.watchers.OnActiveChanged = func(key ViewMetadataKey, active bool) {
		if key != ViewMetadataKeyIsDataLoaded {
			m.handle.watchChanged(active)
		}
	}
	return m
}

// IsDataLoaded reports whether the field order is loaded.
func (m *ViewMetadata) IsDataLoaded() bool {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	return !m.deleted && m.handle.loaded()
}

// LoadData loads the field order. Each call must be paired with UnloadData.
// It returns the keys whose values became available.
func (m *ViewMetadata) LoadData(ctx context.Context) ([]ViewMetadataKey, error) {
	m.session.mu.Lock()
	m.assertLive()
	m.session.mu.Unlock()

	fresh, err := m.handle.loadData(ctx)
	if err != nil || !fresh {
		return nil, err
	}
	return []ViewMetadataKey{ViewMetadataKeyAllFields, ViewMetadataKeyVisibleFields}, nil
}

// UnloadData releases one LoadData reference.
func (m *ViewMetadata) UnloadData() {
	m.handle.unloadData()
}

// AllFields returns every field in view order.
func (m *ViewMetadata) AllFields() []*Field {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	ids, _ := m.orderLocked()
	return m.fieldsLocked(ids)
}

// VisibleFields returns the fields shown by the view, in view order.
func (m *ViewMetadata) VisibleFields() []*Field {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	ids, visible := m.orderLocked()
	if visible < len(ids) {
		ids = ids[:visible]
	}
	return m.fieldsLocked(ids)
}

func (m *ViewMetadata) orderLocked() ([]string, int) {
	m.assertLive()
	if !m.handle.loaded() {
		invariant(m.kind, m.id, "view data is not loaded")
	}
	order := m.session.tree.Map(path.FieldOrder(m.view.table.id, m.view.id))
	ids := datatree.StringList(order[path.KeyFieldIDs])
	visible, _ := order[path.KeyVisibleCount].(float64)
	return ids, int(visible)
}

func (m *ViewMetadata) fieldsLocked(ids []string) []*Field {
	fields := make([]*Field, 0, len(ids))
	for _, id := range ids {
		if f := m.view.table.fieldLocked(id); f != nil {
			fields = append(fields, f)
		}
	}
	return fields
}

func (m *ViewMetadata) fieldOrderChanged() {
	if m.deleted || !m.handle.loaded() {
		return
	}
	m.emit(ViewMetadataKeyAllFields, nil)
	m.emit(ViewMetadataKeyVisibleFields, nil)
}

// invalidate is called when the table's fields changed.
func (m *ViewMetadata) invalidate() {
	m.fieldOrderChanged()
}

func (m *ViewMetadata) loadedChanged() {
	if m.deleted {
		return
	}
	m.emit(ViewMetadataKeyIsDataLoaded, nil)
	m.emit(ViewMetadataKeyAllFields, nil)
	m.emit(ViewMetadataKeyVisibleFields, nil)
}
