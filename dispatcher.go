package remotefs

import (
	"context"
	"sync"
)

// Dispatcher hands completion callbacks from workers to the front goroutine.
// Workers Post; the front goroutine runs callbacks with Run or Drain, so
// callbacks never run concurrently with each other.
type Dispatcher struct {
	mu      sync.Mutex
	pending []func()
	notify  chan struct{}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{notify: make(chan struct{}, 1)}
}

// Post queues fn. It never blocks.
func (d *Dispatcher) Post(fn func()) {
	d.mu.Lock()
	d.pending = append(d.pending, fn)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Ready is signalled when callbacks may be waiting.
func (d *Dispatcher) Ready() <-chan struct{} {
	return d.notify
}

// Drain runs every queued callback on the calling goroutine and returns how
// many ran.
func (d *Dispatcher) Drain() int {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Run drains callbacks as they arrive until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.Drain()
			return ctx.Err()
		case <-d.notify:
			d.Drain()
		}
	}
}
