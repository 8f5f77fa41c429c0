package server

import (
	"sync"
	"time"

	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/protocol"
)

// DefaultDebounce is how long pushed changes wait for company.
const DefaultDebounce = 10 * time.Millisecond

// MessageSender sends protocol messages and logs.
type MessageSender interface {
	Send(msg *protocol.Message) error
	Log(level int, format string, args ...any)
}

// OutgoingBatcher debounces pushed change batches for one session. Responses
// flush it first, so a client sees the changes a request produced before the
// request's response.
type OutgoingBatcher struct {
	mu               sync.Mutex
	changes          *protocol.ChangeBatcher
	debounceTimer    *time.Timer
	debounceInterval time.Duration
	sender           MessageSender
	batchCount       int
}

// NewOutgoingBatcher creates a batcher. A zero interval sends every batch
// right away.
func NewOutgoingBatcher(sender MessageSender, interval time.Duration) *OutgoingBatcher {
	return &OutgoingBatcher{
		changes:          protocol.NewChangeBatcher(),
		debounceInterval: interval,
		sender:           sender,
	}
}

// Queue adds a change batch and starts the debounce timer.
func (b *OutgoingBatcher) Queue(changes []delta.Change) {
	if len(changes) == 0 {
		return
	}
	b.changes.Queue(changes)
	if b.debounceInterval <= 0 {
		b.FlushNow()
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.debounceTimer == nil {
		b.debounceTimer = time.AfterFunc(b.debounceInterval, b.flush)
	}
}

// FlushNow sends everything queued.
func (b *OutgoingBatcher) FlushNow() {
	b.mu.Lock()
	if b.debounceTimer != nil {
		b.debounceTimer.Stop()
	}
	b.mu.Unlock()
	b.flush()
}

// flush sends pending batches as one message. Send only queues the frame,
// so it is called under the lock to keep frames in order.
func (b *OutgoingBatcher) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.debounceTimer = nil

	msg, err := b.changes.Flush()
	if err != nil {
		b.sender.Log(0, "encode changes: %v", err)
		return
	}
	if msg == nil {
		return
	}
	b.batchCount++
	b.sender.Log(2, "[OUT] CHANGES batch %d", b.batchCount)
	if err := b.sender.Send(msg); err != nil {
		b.sender.Log(0, "send changes: %v", err)
	}
}

// Clear drops pending batches and stops the timer.
func (b *OutgoingBatcher) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.debounceTimer != nil {
		b.debounceTimer.Stop()
	}
	b.debounceTimer = nil
	_, _ = b.changes.Flush()
}

// PendingCount returns the number of queued changes.
func (b *OutgoingBatcher) PendingCount() int {
	return b.changes.PendingChanges()
}
