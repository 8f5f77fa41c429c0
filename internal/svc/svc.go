// Package svc runs work items one at a time, in the order they were queued.
package svc

import (
	"context"
	"sync"
)

// Queue runs queued functions one at a time, in queue order, on its own
// goroutine. Queueing never blocks, so code running on the queue may queue
// more work. The zero value is ready to use.
type Queue struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
	closed  bool
}

// Svc queues code. It reports false when the queue was closed.
func (q *Queue) Svc(code func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, code)
	if !q.running {
		q.running = true
		go q.run()
	}
	return true
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.jobs = nil
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		job()
	}
}

// Marker returns a channel closed once everything queued before it ran.
func (q *Queue) Marker() <-chan struct{} {
	ch := make(chan struct{})
	if !q.Svc(func() { close(ch) }) {
		close(ch)
	}
	return ch
}

// Flush waits until everything queued so far ran.
func (q *Queue) Flush(ctx context.Context) error {
	select {
	case <-q.Marker():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close refuses new work. Work already queued still runs.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Pending returns the number of queued jobs that have not started.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
