package sdk

import (
	"sync"

	"github.com/golang/glog"
)

// notifier runs watch callbacks in the order their batches were applied.
// Whoever finds the queue idle drains it; callbacks that cause further
// events have them queued behind the current ones.
type notifier struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

func (n *notifier) dispatch(events []func()) {
	if len(events) == 0 {
		return
	}
	n.mu.Lock()
	n.queue = append(n.queue, events...)
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	for len(n.queue) > 0 {
		next := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.mu.Unlock()
		run(next)
		n.mu.Lock()
	}
	n.draining = false
	n.mu.Unlock()
}

func run(event func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("watch callback panicked: %v", r)
		}
	}()
	event()
}
