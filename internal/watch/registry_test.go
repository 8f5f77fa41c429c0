package watch

import (
	"errors"
	"testing"
)

type key string

const (
	keyName   key = "name"
	keyFields key = "fields"
)

func newTestRegistry() *Registry[key] {
	return NewRegistry(func(k key) bool { return k == keyName || k == keyFields })
}

func TestWatchUnwatchRestoresState(t *testing.T) {
	r := newTestRegistry()
	existing, err := r.Watch([]key{keyName}, func(Event[key]) {})
	if err != nil {
		t.Fatal(err)
	}

	sub, err := r.Watch([]key{keyName, keyFields}, func(Event[key]) {})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Unwatch(sub); err != nil {
		t.Fatal(err)
	}

	if r.Len() != 1 || r.Count(keyName) != 1 || r.Count(keyFields) != 0 {
		t.Errorf("listener set changed: len=%d name=%d fields=%d", r.Len(), r.Count(keyName), r.Count(keyFields))
	}
	if err := r.Unwatch(existing); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Error("registry should be empty")
	}
}

func TestUnknownKeyRegistersNothing(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Watch([]key{keyName, "bogus"}, func(Event[key]) {})
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if r.Len() != 0 || r.Count(keyName) != 0 {
		t.Error("a rejected watch must not register any key")
	}
	if _, err := r.Watch(nil, func(Event[key]) {}); !errors.Is(err, ErrNoKeys) {
		t.Errorf("expected ErrNoKeys, got %v", err)
	}
}

func TestMismatchedUnwatch(t *testing.T) {
	r := newTestRegistry()
	other := newTestRegistry()

	sub, _ := r.Watch([]key{keyName}, func(Event[key]) {})
	if err := other.Unwatch(sub); !errors.Is(err, ErrNotWatching) {
		t.Errorf("unwatch on another registry: %v", err)
	}
	if err := r.Unwatch(sub); err != nil {
		t.Fatal(err)
	}
	if err := r.Unwatch(sub); !errors.Is(err, ErrNotWatching) {
		t.Errorf("double unwatch: %v", err)
	}
	if err := r.Unwatch(nil); !errors.Is(err, ErrNotWatching) {
		t.Errorf("nil unwatch: %v", err)
	}
}

func TestActiveTransitions(t *testing.T) {
	r := newTestRegistry()
	var transitions []string
	r.OnActiveChanged = func(k key, active bool) {
		if active {
			transitions = append(transitions, "+"+string(k))
		} else {
			transitions = append(transitions, "-"+string(k))
		}
	}

	a, _ := r.Watch([]key{keyName}, func(Event[key]) {})
	b, _ := r.Watch([]key{keyName, keyName}, func(Event[key]) {})
	_ = r.Unwatch(a)
	_ = r.Unwatch(b)

	want := []string{"+name", "-name"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestNotifyOrder(t *testing.T) {
	r := newTestRegistry()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		if _, err := r.Watch([]key{keyFields}, func(e Event[key]) { order = append(order, i) }); err != nil {
			t.Fatal(err)
		}
	}
	r.Notify(keyFields, nil)
	r.Notify(keyName, nil)

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("callbacks fired out of order: %v", order)
	}
}
