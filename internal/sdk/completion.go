package sdk

import (
	"context"
	"sync"
)

// Completion resolves when the host accepts or rejects a mutation. The
// optimistic effect of the mutation is visible before it resolves.
type Completion struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed when the host has answered.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the host's rejection, or nil while pending or on success.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the host answers or ctx ends.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
