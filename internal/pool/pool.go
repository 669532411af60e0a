// Package pool provides a bounded concurrency semaphore.
package pool

import "context"

// Pool limits concurrent calls to a shared dependency.
type Pool struct {
	sem chan struct{}
}

// New creates a pool with at least one slot
// and at most 256 slots.
// Slots bound the number of in-flight calls to the payment gateway.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	if size > 256 {
		size = 256
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Acquire reserves one slot in the pool.
// If the pool is full, it blocks until a slot becomes available
// or the context is canceled.
// It returns ctx.Err() if acquisition is aborted due to cancellation.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired slot.
func (p *Pool) Release() {
	<-p.sem
}

// InFlight reports the number of held slots.
func (p *Pool) InFlight() int {
	return len(p.sem)
}
