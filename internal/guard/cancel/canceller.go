// Package cancel provides a small cancellation token shared across the
// teardown paths of a single dispatch: it lets a dispatch be abandoned
// at the checkpoints that poll it without requiring every call site to
// plumb a context.Context through. A blocking transport read or write
// already in progress is not interrupted.
package cancel

import (
	"context"
	"sync"
)

// Canceller is a one-shot, concurrency-safe cancellation signal.
type Canceller struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
}

// New returns a Canceller that has not yet been cancelled.
func New() *Canceller {
	return &Canceller{done: make(chan struct{})}
}

// Cancel marks the Canceller as cancelled. Subsequent calls are no-ops.
func (c *Canceller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}

	c.err = context.Canceled
	close(c.done)
}

// Done returns a channel that is closed once Cancel has been called.
func (c *Canceller) Done() <-chan struct{} {
	return c.done
}

// Err returns context.Canceled once cancelled, nil otherwise.
func (c *Canceller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
