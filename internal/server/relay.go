package server

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/zot/basekit/internal/bridge"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/mutation"
	"github.com/zot/basekit/internal/simhost"
)

// Relay shares one host among many sessions. The host subscription for a
// piece of on-demand data lives while at least one session holds it, and each
// session only receives changes for the data it subscribed to.
type Relay struct {
	host *simhost.Host

	// subMu serializes host subscribe and unsubscribe calls
	subMu sync.Mutex

	mu    sync.Mutex
	refs  map[string]int             // data key -> sessions holding it
	subs  map[string]map[string]bool // session id -> data keys
	sinks map[string]bridge.UpdateHandler

	stop func()
}

// NewRelay creates a relay over host.
func NewRelay(host *simhost.Host) *Relay {
	r := &Relay{
		host:  host,
		refs:  make(map[string]int),
		subs:  make(map[string]map[string]bool),
		sinks: make(map[string]bridge.UpdateHandler),
	}
	r.stop = host.SubscribeToModelUpdates(r.fanOut)
	return r
}

// Close stops relaying.
func (r *Relay) Close() {
	r.stop()
}

// For returns the host as seen by one session.
func (r *Relay) For(sessionID string) bridge.Host {
	return &relayHost{relay: r, session: sessionID}
}

// Subscriptions returns the data keys a session holds, sorted.
func (r *Relay) Subscriptions(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.subs[sessionID]))
	for key := range r.subs[sessionID] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Holders returns how many sessions hold a data key.
func (r *Relay) Holders(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[key]
}

// Drop releases everything a session holds.
func (r *Relay) Drop(sessionID string) {
	r.mu.Lock()
	delete(r.sinks, sessionID)
	keys := make([]string, 0, len(r.subs[sessionID]))
	for key := range r.subs[sessionID] {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	for _, key := range keys {
		r.unsubscribe(sessionID, key)
	}
	r.mu.Lock()
	delete(r.subs, sessionID)
	r.mu.Unlock()
}

func (r *Relay) fanOut(changes []delta.Change) {
	type target struct {
		sink bridge.UpdateHandler
		keys map[string]bool
	}
	r.mu.Lock()
	targets := make([]target, 0, len(r.sinks))
	for id, sink := range r.sinks {
		keys := make(map[string]bool, len(r.subs[id]))
		for key := range r.subs[id] {
			keys[key] = true
		}
		targets = append(targets, target{sink, keys})
	}
	r.mu.Unlock()

	for _, t := range targets {
		visible := make([]delta.Change, 0, len(changes))
		for _, c := range changes {
			if key, async := simhost.DataKey(c.Path); !async || t.keys[key] {
				visible = append(visible, c)
			}
		}
		if len(visible) > 0 {
			t.sink(visible)
		}
	}
}

// subscribe records the session's interest before fetching, so changes
// committed right after the host's snapshot reach the session.
func (r *Relay) subscribe(sessionID, key string, fetch func() (map[string]any, error)) (map[string]any, error) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	held := r.subs[sessionID][key]
	if !held {
		if r.subs[sessionID] == nil {
			r.subs[sessionID] = make(map[string]bool)
		}
		r.subs[sessionID][key] = true
		r.refs[key]++
	}
	r.mu.Unlock()

	data, err := fetch()
	if err != nil && !held {
		r.mu.Lock()
		delete(r.subs[sessionID], key)
		r.release(key)
		r.mu.Unlock()
	}
	return data, err
}

func (r *Relay) unsubscribe(sessionID, key string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	if !r.subs[sessionID][key] {
		r.mu.Unlock()
		return
	}
	delete(r.subs[sessionID], key)
	last := r.release(key)
	r.mu.Unlock()

	if last {
		r.hostUnsubscribe(key)
	}
}

// release drops one holder of key and reports whether it was the last.
func (r *Relay) release(key string) bool {
	r.refs[key]--
	if r.refs[key] > 0 {
		return false
	}
	delete(r.refs, key)
	return true
}

func (r *Relay) hostUnsubscribe(key string) {
	switch kind, tableID, viewID := splitDataKey(key); kind {
	case "table":
		r.host.UnsubscribeFromTableData(tableID)
	case "view":
		r.host.UnsubscribeFromViewData(tableID, viewID)
	case simhost.CursorDataKey:
		r.host.UnsubscribeFromCursorData()
	}
}

// splitDataKey undoes simhost.TableDataKey and simhost.ViewDataKey.
func splitDataKey(key string) (kind, tableID, viewID string) {
	parts := strings.SplitN(key, ":", 3)
	kind = parts[0]
	if len(parts) > 1 {
		tableID = parts[1]
	}
	if len(parts) > 2 {
		viewID = parts[2]
	}
	return kind, tableID, viewID
}

// relayHost is the host as seen by one session.
type relayHost struct {
	relay   *Relay
	session string
}

var _ bridge.Host = (*relayHost)(nil)

func (h *relayHost) FetchBaseData(ctx context.Context) (map[string]any, error) {
	return h.relay.host.FetchBaseData(ctx)
}

func (h *relayHost) FetchAndSubscribeToTableData(ctx context.Context, tableID string) (map[string]any, error) {
	return h.relay.subscribe(h.session, simhost.TableDataKey(tableID), func() (map[string]any, error) {
		return h.relay.host.FetchAndSubscribeToTableData(ctx, tableID)
	})
}

func (h *relayHost) UnsubscribeFromTableData(tableID string) {
	h.relay.unsubscribe(h.session, simhost.TableDataKey(tableID))
}

func (h *relayHost) FetchAndSubscribeToViewData(ctx context.Context, tableID, viewID string) (map[string]any, error) {
	return h.relay.subscribe(h.session, simhost.ViewDataKey(tableID, viewID), func() (map[string]any, error) {
		return h.relay.host.FetchAndSubscribeToViewData(ctx, tableID, viewID)
	})
}

func (h *relayHost) UnsubscribeFromViewData(tableID, viewID string) {
	h.relay.unsubscribe(h.session, simhost.ViewDataKey(tableID, viewID))
}

func (h *relayHost) FetchAndSubscribeToCursorData(ctx context.Context) (map[string]any, error) {
	return h.relay.subscribe(h.session, simhost.CursorDataKey, func() (map[string]any, error) {
		return h.relay.host.FetchAndSubscribeToCursorData(ctx)
	})
}

func (h *relayHost) UnsubscribeFromCursorData() {
	h.relay.unsubscribe(h.session, simhost.CursorDataKey)
}

// SubscribeToModelUpdates sets the session's sink. A session has one sink.
func (h *relayHost) SubscribeToModelUpdates(handler bridge.UpdateHandler) func() {
	h.relay.mu.Lock()
	h.relay.sinks[h.session] = handler
	h.relay.mu.Unlock()
	return func() {
		h.relay.mu.Lock()
		delete(h.relay.sinks, h.session)
		h.relay.mu.Unlock()
	}
}

func (h *relayHost) ApplyMutation(ctx context.Context, m mutation.Mutation) error {
	return h.relay.host.ApplyMutation(ctx, m)
}

func (h *relayHost) CheckPermissionsForMutation(m mutation.Mutation) bridge.PermissionCheckResult {
	return h.relay.host.CheckPermissionsForMutation(m)
}
