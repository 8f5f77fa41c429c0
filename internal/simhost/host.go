// Package simhost is an in-memory host for sessions: it owns the
// authoritative base, enforces permissions and referential integrity, and
// delivers change batches to subscribers in order.
package simhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/zot/basekit/internal/bridge"
	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/mutation"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/permission"
	"github.com/zot/basekit/internal/storage"
	"github.com/zot/basekit/internal/svc"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("host is closed")

// Data keys used by the subscription counters.
func TableDataKey(tableID string) string        { return "table:" + tableID }
func ViewDataKey(tableID, viewID string) string { return "view:" + tableID + ":" + viewID }

// CursorDataKey is the subscription counter key of cursor data.
const CursorDataKey = "cursor"

// FetchHook is called before a fetch reads its snapshot. Tests use it to
// hold fetches in flight.
type FetchHook func(ctx context.Context, key string)

// Option configures a Host.
type Option func(*Host)

// WithPermission sets the session's permission level, overriding the base.
func WithPermission(l permission.Level) Option {
	return func(h *Host) { h.level = l }
}

// WithLimits sets the record limits the host enforces.
func WithLimits(l mutation.Limits) Option {
	return func(h *Host) { h.limits = l }
}

// WithLatency delays every fetch and mutation.
func WithLatency(d time.Duration) Option {
	return func(h *Host) { h.latency = d }
}

// WithStorage persists the base to store after every change.
func WithStorage(store storage.Backend) Option {
	return func(h *Host) { h.store = store }
}

// WithFetchHook installs a hook run before every fetch.
func WithFetchHook(hook FetchHook) Option {
	return func(h *Host) { h.fetchHook = hook }
}

// Host is an in-memory bridge.Host.
type Host struct {
	mu        sync.Mutex
	tree      *datatree.Tree
	level     permission.Level
	limits    mutation.Limits
	latency   time.Duration
	store     storage.Backend
	fetchHook FetchHook
	closed    bool

	handlers    map[uint64]bridge.UpdateHandler
	nextHandler uint64
	subscribed  map[string]bool
	subs        map[string]int
	unsubs      map[string]int
	failures    []error

	deliveries svc.Queue
}

var _ bridge.Host = (*Host)(nil)

// New creates a host over base. The base must satisfy the host contract.
func New(base map[string]any, opts ...Option) (*Host, error) {
	prepared, err := PrepareBase(base)
	if err != nil {
		return nil, err
	}
	h := &Host{
		tree:       datatree.New(prepared),
		limits:     mutation.DefaultLimits,
		handlers:   make(map[uint64]bridge.UpdateHandler),
		subscribed: make(map[string]bool),
		subs:       make(map[string]int),
		unsubs:     make(map[string]int),
	}
	if l, err := permission.Parse(h.tree.String(path.Path{path.KeyPermission})); err == nil {
		h.level = l
	} else {
		h.level = permission.Owner
	}
	for _, opt := range opts {
		opt(h)
	}
	h.writePermissionLocked()
	if h.store != nil {
		if err := SaveBase(h.store, h.tree.Snapshot()); err != nil {
			return nil, fmt.Errorf("persist base: %w", err)
		}
	}
	return h, nil
}

// NewFromFile creates a host over a fixture file.
func NewFromFile(file string, opts ...Option) (*Host, error) {
	base, err := LoadFixture(file)
	if err != nil {
		return nil, err
	}
	return New(base, opts...)
}

// Restore creates a host over the base store holds under base's id, so
// edits made in an earlier run survive. base is used when the store has none.
func Restore(store storage.Backend, base map[string]any, opts ...Option) (*Host, error) {
	id, _ := base[path.KeyID].(string)
	stored, err := LoadBase(store, id)
	switch {
	case err == nil:
		glog.V(1).Infof("restored base %s from storage", id)
		base = stored
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("restore base %s: %w", id, err)
	}
	return New(base, append(opts, WithStorage(store))...)
}

func (h *Host) writePermissionLocked() {
	set(h.tree, path.Path{path.KeyPermission}, string(h.level))
}

func (h *Host) wait(ctx context.Context) error {
	if h.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(h.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) beforeFetch(ctx context.Context, key string) error {
	if h.fetchHook != nil {
		h.fetchHook(ctx, key)
	}
	return h.wait(ctx)
}

// FetchBaseData returns the base without record, view and cursor data.
func (h *Host) FetchBaseData(ctx context.Context) (map[string]any, error) {
	if err := h.beforeFetch(ctx, "base"); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	return stripAsync(h.tree.Snapshot()), nil
}

// FetchAndSubscribeToTableData returns a table's records and subscribes to
// their changes.
func (h *Host) FetchAndSubscribeToTableData(ctx context.Context, tableID string) (map[string]any, error) {
	key := TableDataKey(tableID)
	if err := h.beforeFetch(ctx, key); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.subscribeLocked(key, path.Table(tableID)); err != nil {
		return nil, err
	}
	records, _ := datatree.Normalize(h.tree.Map(path.Records(tableID))).(map[string]any)
	if records == nil {
		records = map[string]any{}
	}
	return records, nil
}

// UnsubscribeFromTableData ends a table data subscription.
func (h *Host) UnsubscribeFromTableData(tableID string) {
	h.unsubscribe(TableDataKey(tableID))
}

// FetchAndSubscribeToViewData returns a view's field order and visible
// records and subscribes to their changes.
func (h *Host) FetchAndSubscribeToViewData(ctx context.Context, tableID, viewID string) (map[string]any, error) {
	key := ViewDataKey(tableID, viewID)
	if err := h.beforeFetch(ctx, key); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.subscribeLocked(key, path.View(tableID, viewID)); err != nil {
		return nil, err
	}
	order, _ := h.tree.Get(path.FieldOrder(tableID, viewID))
	visible, _ := h.tree.Get(path.VisibleRecordIDs(tableID, viewID))
	return datatree.Normalize(map[string]any{
		path.KeyFieldOrder:     order,
		path.KeyVisibleRecords: visible,
	}).(map[string]any), nil
}

// UnsubscribeFromViewData ends a view data subscription.
func (h *Host) UnsubscribeFromViewData(tableID, viewID string) {
	h.unsubscribe(ViewDataKey(tableID, viewID))
}

// FetchAndSubscribeToCursorData returns the cursor and subscribes to it.
func (h *Host) FetchAndSubscribeToCursorData(ctx context.Context) (map[string]any, error) {
	if err := h.beforeFetch(ctx, CursorDataKey); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.subscribeLocked(CursorDataKey, nil); err != nil {
		return nil, err
	}
	cursor, _ := datatree.Normalize(h.tree.Map(path.Cursor())).(map[string]any)
	if cursor == nil {
		cursor = map[string]any{}
	}
	return cursor, nil
}

// UnsubscribeFromCursorData ends the cursor subscription.
func (h *Host) UnsubscribeFromCursorData() {
	h.unsubscribe(CursorDataKey)
}

func (h *Host) subscribeLocked(key string, owner path.Path) error {
	if h.closed {
		return ErrClosed
	}
	if owner != nil && !h.tree.Exists(owner) {
		return fmt.Errorf("subscribe %s: %s does not exist", key, owner)
	}
	h.subs[key]++
	h.subscribed[key] = true
	glog.V(1).Infof("host: subscribed %s", key)
	return nil
}

func (h *Host) unsubscribe(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubs[key]++
	delete(h.subscribed, key)
	glog.V(1).Infof("host: unsubscribed %s", key)
}

// SubscribeToModelUpdates registers handler for change batches.
func (h *Host) SubscribeToModelUpdates(handler bridge.UpdateHandler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextHandler++
	id := h.nextHandler
	h.handlers[id] = handler
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.handlers, id)
	}
}

// CheckPermissionsForMutation evaluates m against the session's level.
func (h *Host) CheckPermissionsForMutation(m mutation.Mutation) bridge.PermissionCheckResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	ok, reason := permission.Check(h.level, m)
	return bridge.PermissionCheckResult{HasPermission: ok, ReasonDisplayString: reason}
}

// ApplyMutation performs m and returns once its changes were delivered.
func (h *Host) ApplyMutation(ctx context.Context, m mutation.Mutation) error {
	if err := h.wait(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if len(h.failures) > 0 {
		err := h.failures[0]
		h.failures = h.failures[1:]
		h.mu.Unlock()
		return err
	}
	if ok, reason := permission.Check(h.level, m); !ok {
		h.mu.Unlock()
		return fmt.Errorf("%s: %s", m.Kind(), reason)
	}
	if err := mutation.Validate(h.tree, m, h.limits); err != nil {
		h.mu.Unlock()
		return err
	}
	changes, err := mutation.Changes(h.tree, m)
	if err == nil {
		err = h.commitLocked(changes)
	}
	if err != nil {
		h.mu.Unlock()
		return err
	}
	done := h.deliveries.Marker()
	h.mu.Unlock()

	glog.V(2).Infof("host: applied %s on %s", m.Kind(), m.TableID())
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FailNext makes the next ApplyMutation call fail with err without
// applying anything.
func (h *Host) FailNext(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, err)
}

// SetPermission changes the session's permission level and tells
// subscribers.
func (h *Host) SetPermission(l permission.Level) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.level = l
	if err := h.commitLocked([]delta.Change{delta.Set(path.Path{path.KeyPermission}, string(l))}); err != nil {
		glog.Errorf("host: set permission: %v", err)
	}
}

// ApplyExternal applies changes made by another collaborator.
func (h *Host) ApplyExternal(changes []delta.Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	return h.commitLocked(changes)
}

// ReplaceBase swaps in a new version of the whole base and delivers the
// difference as one batch.
func (h *Host) ReplaceBase(base map[string]any) error {
	prepared, err := PrepareBase(base)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	prepared[path.KeyPermission] = string(h.level)
	if cursor, ok := h.tree.Get(path.Cursor()); ok {
		if _, has := prepared[path.KeyCursor]; !has {
			prepared[path.KeyCursor] = cursor
		}
	}
	changes := delta.Diff(h.tree.Snapshot(), prepared)
	glog.V(1).Infof("host: base replaced with %d changes", len(changes))
	return h.commitLocked(changes)
}

// SetCursor moves the cursor and replaces the selection.
func (h *Host) SetCursor(tableID, viewID string, selectedRecordIDs []string) error {
	selected := make(map[string]any, len(selectedRecordIDs))
	for _, id := range selectedRecordIDs {
		selected[id] = true
	}
	return h.ApplyExternal([]delta.Change{
		delta.Set(path.Cursor().Child(path.KeyActiveTable), tableID),
		delta.Set(path.Cursor().Child(path.KeyActiveView), viewID),
		delta.Set(path.Cursor().Child(path.KeySelectedRecords), selected),
	})
}

// commitLocked applies changes to the authoritative tree, persists them and
// queues their delivery.
func (h *Host) commitLocked(changes []delta.Change) error {
	if len(changes) == 0 {
		return nil
	}
	if _, err := h.tree.Apply(changes); err != nil {
		return err
	}
	if h.store != nil {
		if err := SaveChanges(h.store, h.tree, changes); err != nil {
			glog.Errorf("host: persist: %v", err)
		}
	}
	visible := h.filterLocked(changes)
	if len(visible) == 0 {
		return nil
	}
	h.deliveries.Svc(func() { h.deliver(visible) })
	return nil
}

func (h *Host) deliver(changes []delta.Change) {
	h.mu.Lock()
	handlers := make([]bridge.UpdateHandler, 0, len(h.handlers))
	for id := uint64(1); id <= h.nextHandler; id++ {
		if handler, ok := h.handlers[id]; ok {
			handlers = append(handlers, handler)
		}
	}
	h.mu.Unlock()

	for _, handler := range handlers {
		handler(changes)
	}
}

// filterLocked drops changes to data nobody subscribed to.
func (h *Host) filterLocked(changes []delta.Change) []delta.Change {
	result := make([]delta.Change, 0, len(changes))
	for _, c := range changes {
		key, async := DataKey(c.Path)
		switch {
		case !async:
			result = append(result, delta.Change{Path: c.Path, Value: h.stripValue(c.Path, c.Value)})
		case h.subscribed[key]:
			result = append(result, c)
		}
	}
	return result
}

// stripValue removes unsubscribed async data from a value written above it.
func (h *Host) stripValue(p path.Path, v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	switch {
	case len(p) == 0:
		return h.stripBase(datatree.Normalize(m).(map[string]any))
	case len(p) == 1 && p[0] == path.KeyTables:
		m = datatree.Normalize(m).(map[string]any)
		for tid, t := range m {
			if tm, ok := t.(map[string]any); ok {
				h.stripTable(tid, tm)
			}
		}
		return m
	case len(p) == 2 && p[0] == path.KeyTables:
		m = datatree.Normalize(m).(map[string]any)
		h.stripTable(p[1], m)
		return m
	case len(p) == 3 && p[0] == path.KeyTables && p[2] == path.KeyViews:
		m = datatree.Normalize(m).(map[string]any)
		for vid, v := range m {
			if vm, ok := v.(map[string]any); ok {
				h.stripView(p[1], vid, vm)
			}
		}
		return m
	case len(p) == 4 && p[0] == path.KeyTables && p[2] == path.KeyViews:
		m = datatree.Normalize(m).(map[string]any)
		h.stripView(p[1], p[3], m)
		return m
	}
	return v
}

func (h *Host) stripBase(m map[string]any) map[string]any {
	if !h.subscribed[CursorDataKey] {
		delete(m, path.KeyCursor)
	}
	tables, _ := m[path.KeyTables].(map[string]any)
	for tid, t := range tables {
		if tm, ok := t.(map[string]any); ok {
			h.stripTable(tid, tm)
		}
	}
	return m
}

func (h *Host) stripTable(tid string, m map[string]any) {
	if !h.subscribed[TableDataKey(tid)] {
		delete(m, path.KeyRecords)
	}
	views, _ := m[path.KeyViews].(map[string]any)
	for vid, v := range views {
		if vm, ok := v.(map[string]any); ok {
			h.stripView(tid, vid, vm)
		}
	}
}

func (h *Host) stripView(tid, vid string, m map[string]any) {
	if !h.subscribed[ViewDataKey(tid, vid)] {
		delete(m, path.KeyFieldOrder)
		delete(m, path.KeyVisibleRecords)
	}
}

// DataKey maps a path inside on-demand data to its subscription key. async
// is false for paths outside on-demand data.
func DataKey(p path.Path) (string, bool) {
	if len(p) == 0 {
		return "", false
	}
	if p[0] == path.KeyCursor {
		return CursorDataKey, true
	}
	if p[0] != path.KeyTables || len(p) < 3 {
		return "", false
	}
	if p[2] == path.KeyRecords {
		return TableDataKey(p[1]), true
	}
	if p[2] == path.KeyViews && len(p) >= 5 && (p[4] == path.KeyFieldOrder || p[4] == path.KeyVisibleRecords) {
		return ViewDataKey(p[1], p[3]), true
	}
	return "", false
}

// stripAsync removes all on-demand data from a base snapshot.
func stripAsync(base map[string]any) map[string]any {
	delete(base, path.KeyCursor)
	tables, _ := base[path.KeyTables].(map[string]any)
	for _, t := range tables {
		tm, _ := t.(map[string]any)
		delete(tm, path.KeyRecords)
		views, _ := tm[path.KeyViews].(map[string]any)
		for _, v := range views {
			vm, _ := v.(map[string]any)
			delete(vm, path.KeyFieldOrder)
			delete(vm, path.KeyVisibleRecords)
		}
	}
	return base
}

// Subscribes returns how many times key was subscribed.
func (h *Host) Subscribes(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subs[key]
}

// Unsubscribes returns how many times key was unsubscribed.
func (h *Host) Unsubscribes(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubs[key]
}

// IsSubscribed reports whether key is currently subscribed.
func (h *Host) IsSubscribed(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribed[key]
}

// Snapshot returns a copy of the authoritative base.
func (h *Host) Snapshot() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree.Snapshot()
}

// Flush waits until every queued batch was delivered.
func (h *Host) Flush(ctx context.Context) error {
	return h.deliveries.Flush(ctx)
}

// Close stops accepting requests. Queued batches are still delivered.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.deliveries.Close()
	return nil
}
