package threadpool

import (
	"errors"
	"sync"
)

var (
	errCancelled    = errors.New("request cancelled")
	errInvalidOp    = errors.New("invalid operation")
	errNotSupported = errors.New("operation not supported by backend")
)

// cancelTable is a per-slot cancellation gate substituting the process-wide
// SIGCONT broadcast + lock-free LIFO this backend was distilled from: since
// Go gives every request its own goroutine-visible slot already, a plain
// guarded map is the idiomatic equivalent of "signal one specific waiter".
type cancelTable struct {
	mu        sync.Mutex
	cancelled map[int]bool
}

func newCancelTable() *cancelTable {
	return &cancelTable{cancelled: make(map[int]bool)}
}

func (c *cancelTable) register(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled[idx] = false
}

// cancel marks slot idx as cancelled. Returns false if the slot isn't
// currently tracked (already completed, or never submitted).
func (c *cancelTable) cancel(idx int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, tracked := c.cancelled[idx]; !tracked {
		return false
	}
	c.cancelled[idx] = true
	return true
}

func (c *cancelTable) isCancelled(idx int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[idx]
}

func (c *cancelTable) clear(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancelled, idx)
}
