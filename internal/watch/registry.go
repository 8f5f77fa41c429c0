// Package watch keeps ref-counted watch subscriptions keyed by a closed set
// of watchable keys.
package watch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownKey is returned when a key is not watchable.
	ErrUnknownKey = errors.New("unknown watchable key")
	// ErrNoKeys is returned when Watch is called without keys.
	ErrNoKeys = errors.New("no keys to watch")
	// ErrNotWatching is returned when Unwatch is given a subscription the
	// registry does not hold.
	ErrNotWatching = errors.New("subscription is not registered")
)

// Event is delivered to callbacks.
type Event[K ~string] struct {
	Key     K
	Details any
}

// Callback receives watch events.
type Callback[K ~string] func(Event[K])

// Subscription is the token returned by Watch. Unwatch takes it back.
type Subscription[K ~string] struct {
	id       uint64
	registry *Registry[K]
	keys     []K
	callback Callback[K]
}

// Keys returns the accepted keys.
func (s *Subscription[K]) Keys() []K {
	return append([]K(nil), s.keys...)
}

// Registry holds the subscriptions of one model.
type Registry[K ~string] struct {
	valid  func(K) bool
	subs   map[uint64]*Subscription[K]
	counts map[K]int
	nextID uint64
	mu     sync.Mutex

	// OnActiveChanged is called after a key's watch count goes 0->1 (true)
	// or 1->0 (false). It runs without the registry lock held.
	OnActiveChanged func(key K, active bool)
}

// NewRegistry creates a registry that accepts keys for which valid returns true.
func NewRegistry[K ~string](valid func(K) bool) *Registry[K] {
	return &Registry[K]{
		valid:  valid,
		subs:   make(map[uint64]*Subscription[K]),
		counts: make(map[K]int),
	}
}

// Validate checks every key and reports all unknown ones.
func (r *Registry[K]) Validate(keys []K) error {
	if len(keys) == 0 {
		return ErrNoKeys
	}
	var bad []string
	for _, key := range keys {
		if !r.valid(key) {
			bad = append(bad, string(key))
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: %q", ErrUnknownKey, bad)
	}
	return nil
}

// Watch registers callback for keys. Nothing is registered if any key is
// unknown. Duplicate keys are collapsed.
func (r *Registry[K]) Watch(keys []K, callback Callback[K]) (*Subscription[K], error) {
	if callback == nil {
		return nil, fmt.Errorf("watch %v: nil callback", keys)
	}
	if err := r.Validate(keys); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.nextID++
	sub := &Subscription[K]{id: r.nextID, registry: r, keys: dedupe(keys), callback: callback}
	r.subs[sub.id] = sub
	var activated []K
	for _, key := range sub.keys {
		r.counts[key]++
		if r.counts[key] == 1 {
			activated = append(activated, key)
		}
	}
	hook := r.OnActiveChanged
	r.mu.Unlock()

	if hook != nil {
		for _, key := range activated {
			hook(key, true)
		}
	}
	return sub, nil
}

// Unwatch removes a subscription returned by Watch on this registry.
func (r *Registry[K]) Unwatch(sub *Subscription[K]) error {
	if sub == nil || sub.registry != r {
		return ErrNotWatching
	}

	r.mu.Lock()
	if _, ok := r.subs[sub.id]; !ok {
		r.mu.Unlock()
		return ErrNotWatching
	}
	delete(r.subs, sub.id)
	var deactivated []K
	for _, key := range sub.keys {
		r.counts[key]--
		if r.counts[key] <= 0 {
			delete(r.counts, key)
			deactivated = append(deactivated, key)
		}
	}
	hook := r.OnActiveChanged
	r.mu.Unlock()

	if hook != nil {
		for _, key := range deactivated {
			hook(key, false)
		}
	}
	return nil
}

// Count returns the number of subscriptions watching key.
func (r *Registry[K]) Count(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

// Len returns the number of subscriptions.
func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Callbacks returns the callbacks watching key, in registration order.
func (r *Registry[K]) Callbacks(key K) []Callback[K] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counts[key] == 0 {
		return nil
	}
	ids := make([]uint64, 0, r.counts[key])
	for id, sub := range r.subs {
		for _, k := range sub.keys {
			if k == key {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	result := make([]Callback[K], len(ids))
	for i, id := range ids {
		result[i] = r.subs[id].callback
	}
	return result
}

// Notify calls every callback watching key.
func (r *Registry[K]) Notify(key K, details any) {
	for _, cb := range r.Callbacks(key) {
		cb(Event[K]{Key: key, Details: details})
	}
}

// Clear drops every subscription without firing OnActiveChanged.
func (r *Registry[K]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[uint64]*Subscription[K])
	r.counts = make(map[K]int)
}

func dedupe[K comparable](keys []K) []K {
	seen := make(map[K]struct{}, len(keys))
	result := make([]K, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, key)
	}
	return result
}
