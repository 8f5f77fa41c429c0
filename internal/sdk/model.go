package sdk

import (
	"github.com/zot/basekit/internal/watch"
)

// model is the behavior shared by every model: identity, the deleted flag
// and watch registration. State is guarded by the session lock.
type model[K ~string] struct {
	session  *Session
	kind     string
	id       string
	deleted  bool
	watchers *watch.Registry[K]
}

func newModel[K ~string](s *Session, kind, id string, valid func(K) bool) model[K] {
	return model[K]{
		session:  s,
		kind:     kind,
		id:       id,
		watchers: watch.NewRegistry(valid),
	}
}

// ID returns the model's id. It is usable after deletion.
func (m *model[K]) ID() string {
	return m.id
}

// IsDeleted reports whether the model's node left the tree.
func (m *model[K]) IsDeleted() bool {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	return m.deleted
}

// Watch registers callback for keys and returns the subscription to pass to
// Unwatch. Unknown keys are an error and register nothing.
func (m *model[K]) Watch(keys []K, callback watch.Callback[K]) (*watch.Subscription[K], error) {
	return m.watchers.Watch(keys, callback)
}

// Unwatch removes a subscription returned by Watch.
func (m *model[K]) Unwatch(sub *watch.Subscription[K]) error {
	return m.watchers.Unwatch(sub)
}

// assertLive panics when the model was deleted. Caller holds the lock.
func (m *model[K]) assertLive() {
	if m.deleted {
		invariant(m.kind, m.id, "model was deleted")
	}
}

// emit queues an event for dispatch after the current batch. Caller holds
// the lock.
func (m *model[K]) emit(key K, details any) {
	reg := m.watchers
	m.session.pending = append(m.session.pending, func() {
		reg.Notify(key, details)
	})
}

// markDeleted flips the model to its terminal state. Caller holds the lock.
func (m *model[K]) markDeleted() {
	m.deleted = true
}
