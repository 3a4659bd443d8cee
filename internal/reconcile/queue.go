package reconcile

import (
	"context"
	"sync"
)

// MemQueue is an unbounded in-process FIFO of Items.
//
// Enqueue is safe from any goroutine; a single Reconciler drains it.
// The signal channel lets the drain loop wait with select on a context.
type MemQueue struct {
	mu     sync.Mutex
	items  []Item
	closed bool
	signal chan struct{} // buffered, size 1
}

// NewMemQueue creates an empty queue.
func NewMemQueue() *MemQueue {
	return &MemQueue{
		items:  make([]Item, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends item. It fails with ErrQueueClosed after Close.
func (q *MemQueue) Enqueue(_ context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.items = append(q.items, item)

	// buffer of 1 coalesces signals
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// TryDequeue removes the front item without blocking.
func (q *MemQueue) TryDequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}

	it := q.items[0]
	// drop the reference so the body bytes can be collected
	q.items[0] = Item{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return it, true
}

// Wait returns a channel that fires when items may be available.
// It is closed by Close.
func (q *MemQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued items.
func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued items in order.
func (q *MemQueue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

// Close stops further enqueues and wakes waiters. Queued items stay
// available to TryDequeue.
func (q *MemQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
