package protocol

import (
	"sync"

	"github.com/zot/basekit/internal/delta"
)

// ChangeBatcher collects pushed change batches for one connection until they
// are flushed as a single changes message. Batch order is preserved and
// batches are never merged, so each still applies atomically.
type ChangeBatcher struct {
	mu      sync.Mutex
	batches [][]delta.Change
	changes int
}

// NewChangeBatcher creates an empty batcher.
func NewChangeBatcher() *ChangeBatcher {
	return &ChangeBatcher{}
}

// Queue adds a batch. Empty batches are ignored.
func (b *ChangeBatcher) Queue(changes []delta.Change) {
	if len(changes) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, changes)
	b.changes += len(changes)
}

// Flush returns the queued batches as one message and empties the batcher.
// It returns nil when nothing is queued.
func (b *ChangeBatcher) Flush() (*Message, error) {
	b.mu.Lock()
	batches := b.batches
	b.batches = nil
	b.changes = 0
	b.mu.Unlock()

	if len(batches) == 0 {
		return nil, nil
	}
	return NewMessage("", MsgChanges, ChangesMessage{Batches: batches})
}

// IsEmpty returns true if nothing is queued.
func (b *ChangeBatcher) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches) == 0
}

// PendingChanges returns the number of queued changes across all batches.
func (b *ChangeBatcher) PendingChanges() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changes
}
