package sdk

import (
	"context"

	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/path"
)

// CursorKey is a watchable key of Cursor.
type CursorKey string

const (
	CursorKeyActiveTableID     CursorKey = "activeTableId"
	CursorKeyActiveViewID      CursorKey = "activeViewId"
	CursorKeySelectedRecordIDs CursorKey = "selectedRecordIds"
	CursorKeySelectedFieldIDs  CursorKey = "selectedFieldIds"
	CursorKeyIsDataLoaded      CursorKey = "isDataLoaded"
)

func validCursorKey(k CursorKey) bool {
	switch k {
	case CursorKeyActiveTableID, CursorKeyActiveViewID, CursorKeySelectedRecordIDs,
		CursorKeySelectedFieldIDs, CursorKeyIsDataLoaded:
		return true
	}
	return false
}

// Cursor is the user's position and selection in the host UI.
type Cursor struct {
	model[CursorKey]
	data   *asyncData
	handle loadHandle
}

func newCursor(s *Session) *Cursor {
	c := &Cursor{model: newModel(s, "cursor", "cursor", validCursorKey)}
	c.data = newAsyncData(s, "cursor", []path.Path{path.Cursor()})
	c.data.fetch = func(ctx context.Context) ([]delta.Change, error) {
		snap, err := s.host.FetchAndSubscribeToCursorData(ctx)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			snap = map[string]any{}
		}
		return []delta.Change{delta.Set(path.Cursor(), snap)}, nil
	}
	c.data.unsubscribe = s.host.UnsubscribeFromCursorData
	c.data.onChange = func(bool) {
		c.emit(CursorKeyIsDataLoaded, nil)
	}
	c.handle = loadHandle{session: s, deps: []*asyncData{c.data}, dead: &c.deleted}
	c.watchers.OnActiveChanged = func(key CursorKey, active bool) {
		if key != CursorKeyIsDataLoaded {
			c.handle.watchChanged(active)
		}
	}
	return c
}

// IsDataLoaded reports whether cursor data is loaded.
func (c *Cursor) IsDataLoaded() bool {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	return c.handle.loaded()
}

// LoadData loads cursor data. Each call must be paired with UnloadData.
func (c *Cursor) LoadData(ctx context.Context) ([]CursorKey, error) {
	fresh, err := c.handle.loadData(ctx)
	if err != nil || !fresh {
		return nil, err
	}
	return []CursorKey{CursorKeyActiveTableID, CursorKeyActiveViewID, CursorKeySelectedRecordIDs, CursorKeySelectedFieldIDs}, nil
}

// UnloadData releases one LoadData reference.
func (c *Cursor) UnloadData() {
	c.handle.unloadData()
}

func (c *Cursor) readable() {
	if !c.handle.loaded() {
		invariant(c.kind, c.id, "cursor data is not loaded")
	}
}

// ActiveTableID returns the id of the table shown in the host UI.
func (c *Cursor) ActiveTableID() string {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	c.readable()
	return c.session.tree.String(path.Cursor().Child(path.KeyActiveTable))
}

// ActiveViewID returns the id of the view shown in the host UI.
func (c *Cursor) ActiveViewID() string {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	c.readable()
	return c.session.tree.String(path.Cursor().Child(path.KeyActiveView))
}

// SelectedRecordIDs returns the selected records, sorted.
func (c *Cursor) SelectedRecordIDs() []string {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	c.readable()
	return c.session.tree.Keys(path.Cursor().Child(path.KeySelectedRecords))
}

// SelectedFieldIDs returns the selected fields, sorted.
func (c *Cursor) SelectedFieldIDs() []string {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	c.readable()
	return c.session.tree.Keys(path.Cursor().Child(path.KeySelectedFields))
}

// IsRecordSelected reports whether recordID is selected.
func (c *Cursor) IsRecordSelected(recordID string) bool {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	c.readable()
	return c.session.tree.Exists(path.Cursor().Child(path.KeySelectedRecords).Child(recordID))
}

func (c *Cursor) process(node *delta.DirtyNode) {
	if node == nil {
		return
	}
	if node.Changed(path.KeyActiveTable) {
		c.emit(CursorKeyActiveTableID, nil)
	}
	if node.Changed(path.KeyActiveView) {
		c.emit(CursorKeyActiveViewID, nil)
	}
	if node.Changed(path.KeySelectedRecords) {
		c.emit(CursorKeySelectedRecordIDs, nil)
	}
	if node.Changed(path.KeySelectedFields) {
		c.emit(CursorKeySelectedFieldIDs, nil)
	}
}
