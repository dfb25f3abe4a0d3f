// Package admission bounds the number of connections handled at once.
package admission

import (
	"context"
	"sync/atomic"
)

// DefaultSlots is used when a non-positive slot count is requested.
const DefaultSlots = 10

// Controller is a counting semaphore. A worker holds one slot for the whole
// lifetime of its connection, so at most Capacity workers run at any time.
type Controller struct {
	slots  chan struct{}
	active atomic.Int64
}

// New creates a Controller with n slots.
func New(n int) *Controller {
	if n <= 0 {
		n = DefaultSlots
	}
	return &Controller{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free. It only fails when ctx is cancelled
// first, in which case no slot is held.
func (c *Controller) Acquire(ctx context.Context) error {
	select {
	case c.slots <- struct{}{}:
		c.active.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot only if one is free right now.
func (c *Controller) TryAcquire() bool {
	select {
	case c.slots <- struct{}{}:
		c.active.Add(1)
		return true
	default:
		return false
	}
}

// Release returns a slot. Calling it without holding a slot does nothing.
func (c *Controller) Release() {
	select {
	case <-c.slots:
		c.active.Add(-1)
	default:
	}
}

// Active is the number of slots currently held.
func (c *Controller) Active() int { return int(c.active.Load()) }

// Capacity is the total number of slots.
func (c *Controller) Capacity() int { return cap(c.slots) }
