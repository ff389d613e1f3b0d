// Package callback tracks pending request results keyed by an opaque id.
// Each pending entry settles exactly once: by Resolve, by Reject, or by the
// controller's timeout. Settling an unknown id reports false and is otherwise
// a no-op.
package callback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is the rejection reason for entries that outlive the controller
// timeout without being settled.
var ErrTimeout = errors.New("callback timed out")

type outcome[R any] struct {
	value R
	err   error
}

// Pending is the caller-facing handle for one outstanding result.
type Pending[R any] struct {
	ch chan outcome[R]
}

// Await blocks until the entry settles or ctx is done.
func (p *Pending[R]) Await(ctx context.Context) (R, error) {
	select {
	case o := <-p.ch:
		return o.value, o.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

type entry[R any] struct {
	pending *Pending[R]
	timer   *time.Timer
}

// Controller maps opaque ids to pending results.
type Controller[R any] struct {
	mu        sync.Mutex
	timeout   time.Duration
	entries   map[string]*entry[R]
	onTimeout func(id string)
}

// SetTimeoutHandler registers fn, invoked after an entry is rejected by the
// controller timeout. Must be called before the first Add.
func (c *Controller[R]) SetTimeoutHandler(fn func(id string)) {
	c.mu.Lock()
	c.onTimeout = fn
	c.mu.Unlock()
}

// New returns a Controller whose entries reject with ErrTimeout after timeout.
func New[R any](timeout time.Duration) *Controller[R] {
	return &Controller[R]{
		timeout: timeout,
		entries: make(map[string]*entry[R]),
	}
}

// Add registers a pending entry for id and returns its handle. Registering an
// id that is already pending replaces the previous entry without settling it.
func (c *Controller[R]) Add(id string) *Pending[R] {
	p := &Pending[R]{ch: make(chan outcome[R], 1)}
	e := &entry[R]{pending: p}
	e.timer = time.AfterFunc(c.timeout, func() {
		c.Reject(id, fmt.Errorf("%w after %s", ErrTimeout, c.timeout))
	})
	c.mu.Lock()
	if old, ok := c.entries[id]; ok {
		old.timer.Stop()
	}
	c.entries[id] = e
	c.mu.Unlock()
	return p
}

// Resolve settles id with value. Returns false when id is not pending.
func (c *Controller[R]) Resolve(id string, value R) bool {
	e, ok := c.take(id)
	if !ok {
		return false
	}
	e.pending.ch <- outcome[R]{value: value}
	return true
}

// Reject settles id with err. Returns false when id is not pending.
func (c *Controller[R]) Reject(id string, err error) bool {
	e, ok := c.take(id)
	if !ok {
		return false
	}
	e.pending.ch <- outcome[R]{err: err}
	return true
}

// Remove drops id without settling it. Returns false when id is not pending.
func (c *Controller[R]) Remove(id string) bool {
	_, ok := c.take(id)
	return ok
}

// Len reports the number of pending entries.
func (c *Controller[R]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// take removes and returns the entry for id, stopping its timer.
func (c *Controller[R]) take(id string) (*entry[R], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	delete(c.entries, id)
	e.timer.Stop()
	return e, true
}
