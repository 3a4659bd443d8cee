package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/balanced/balanced/internal/backoff"
	"github.com/balanced/balanced/internal/store"
)

// DefaultMaxAttempts bounds how many times one item is tried overall,
// counting the attempts made on the request path.
const DefaultMaxAttempts = 10

// Reconciler drains a MemQueue and re-applies each item to its adapter.
//
// Run must be called once, from exactly one goroutine. Items that keep
// failing wait out their backoff on a timer while the rest of the queue keeps
// draining, until MaxAttempts, then they are dropped with an error log for
// manual repair.
type Reconciler struct {
	queue       *MemQueue
	adapters    map[string]store.Adapter
	maxAttempts int
	policy      backoff.Policy
	timeout     time.Duration
	logger      *zap.Logger

	// due receives items whose backoff elapsed; pending counts them and is
	// owned by Run. stopped is closed when Run returns.
	due     chan Item
	pending int
	stopped chan struct{}

	applied  atomic.Int64
	dropped  atomic.Int64
	obsolete atomic.Int64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMaxAttempts sets the attempt budget per item.
func WithMaxAttempts(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay schedule between re-queues.
func WithBackoff(p backoff.Policy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithTimeout sets the per-call adapter timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReconciler creates a Reconciler over q for the given adapters.
func NewReconciler(q *MemQueue, adapters []store.Adapter, opts ...Option) *Reconciler {
	r := &Reconciler{
		queue:       q,
		adapters:    make(map[string]store.Adapter, len(adapters)),
		maxAttempts: DefaultMaxAttempts,
		policy:      backoff.Policy{Base: 100 * time.Millisecond, Max: 5 * time.Second},
		timeout:     2 * time.Second,
		logger:      zap.NewNop(),
		due:         make(chan Item),
		stopped:     make(chan struct{}),
	}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the queue until ctx is cancelled, or until the queue is closed
// and empty with no retry still waiting out its backoff.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler starting")
	defer close(r.stopped)

	for {
		item, ok := r.queue.TryDequeue()
		if ok {
			r.process(ctx, item)
			continue
		}

		wait := r.queue.Wait()
		if r.queue.isClosed() {
			if r.pending == 0 && r.queue.drained() {
				r.logger.Info("reconciler stopping: queue closed")
				return nil
			}
			// a closed signal channel is always ready
			wait = nil
		}

		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping: context cancelled", zap.Int("pending_retries", r.pending))
			return ctx.Err()
		case item := <-r.due:
			r.pending--
			r.process(ctx, item)
		case <-wait:
		}
	}
}

// Stats reports how many items were applied, found obsolete, or dropped.
func (r *Reconciler) Stats() (applied, obsolete, dropped int64) {
	return r.applied.Load(), r.obsolete.Load(), r.dropped.Load()
}

func (r *Reconciler) process(ctx context.Context, item Item) {
	log := r.logger.With(
		zap.String("adapter", item.Adapter),
		zap.String("id", item.Record.ID),
		zap.Int64("version", item.Record.Version),
		zap.String("op", string(item.Op)),
	)

	a, ok := r.adapters[item.Adapter]
	if !ok {
		r.dropped.Add(1)
		log.Error("reconciliation dropped: unknown adapter")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	_, err := item.Apply(callCtx, a)
	cancel()

	switch {
	case err == nil:
		r.applied.Add(1)
		log.Debug("reconciled")
		return
	case errors.Is(err, store.ErrStale):
		// the projection already holds a newer version
		r.obsolete.Add(1)
		log.Debug("reconciliation obsolete", zap.Error(err))
		return
	}

	item.Attempts++
	if item.Attempts >= r.maxAttempts {
		r.dropped.Add(1)
		log.Error("reconciliation dropped: attempts exhausted", zap.Int("attempts", item.Attempts), zap.Error(err))
		return
	}

	log.Warn("reconciliation failed, retrying after backoff", zap.Int("attempts", item.Attempts), zap.Error(err))
	r.retryAfter(item, r.policy.Delay(item.Attempts), log)
}

// retryAfter hands item back to Run once delay has elapsed. If Run has
// returned by then the item is parked in the queue for the next drain.
func (r *Reconciler) retryAfter(item Item, delay time.Duration, log *zap.Logger) {
	r.pending++
	time.AfterFunc(delay, func() {
		select {
		case r.due <- item:
		case <-r.stopped:
			if err := r.queue.Enqueue(context.Background(), item); err != nil {
				r.dropped.Add(1)
				log.Error("reconciliation dropped: queue closed", zap.Int("attempts", item.Attempts), zap.Error(err))
			}
		}
	})
}

// drained reports whether the queue is closed and empty.
func (q *MemQueue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

func (q *MemQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
