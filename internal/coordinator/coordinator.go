// Package coordinator executes Propagation Plans across store adapters.
//
// Strong adapters are written first, one at a time, in declared order. If
// one fails, every strong write already acknowledged in the plan is reverted
// with a conditional Restore, newest first, and the plan fails. Once all
// strong writes are acknowledged the mutation is committed; best-effort
// adapters are then updated in the background with retries, and whatever
// still fails is handed to the reconciliation queue.
//
// Cancellation of the caller's context is honored until the first strong
// write is acknowledged. After that the plan always runs to Committed or
// Failed-with-compensation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/balanced/balanced/internal/backoff"
	"github.com/balanced/balanced/internal/reconcile"
	"github.com/balanced/balanced/internal/store"
)

// DefaultTimeout is the per-call adapter timeout.
const DefaultTimeout = 2 * time.Second

const tracerName = "github.com/balanced/balanced/internal/coordinator"

// Alerter receives compensation failures. They leave strong stores out of
// step and need an operator.
type Alerter interface {
	Alert(ctx context.Context, failure *CompensationFailure)
}

// AlertFunc adapts a function to Alerter.
type AlertFunc func(ctx context.Context, failure *CompensationFailure)

// Alert calls f.
func (f AlertFunc) Alert(ctx context.Context, failure *CompensationFailure) { f(ctx, failure) }

// BreakerConfig configures the circuit breaker in front of each best-effort adapter.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// Interval clears the failure counts while closed. Zero never clears.
	Interval time.Duration
}

// DefaultBreakerConfig trips after 5 consecutive failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, Timeout: 30 * time.Second}
}

// Coordinator owns the declared adapter order and executes plans.
type Coordinator struct {
	strong     []*target
	bestEffort []*target

	queue   reconcile.Queue
	retry   backoff.Policy
	timeout time.Duration
	breaker BreakerConfig
	alerter Alerter
	logger  *zap.Logger
	tracer  trace.Tracer
	inline  bool

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithQueue sets the reconciliation queue for exhausted best-effort writes.
func WithQueue(q reconcile.Queue) Option {
	return func(c *Coordinator) { c.queue = q }
}

// WithRetry sets the best-effort retry policy. Default: backoff.Default.
func WithRetry(p backoff.Policy) Option {
	return func(c *Coordinator) { c.retry = p }
}

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBreaker sets the best-effort circuit breaker configuration.
func WithBreaker(cfg BreakerConfig) Option {
	return func(c *Coordinator) { c.breaker = cfg }
}

// WithAlerter sets the compensation failure hook.
func WithAlerter(a Alerter) Option {
	return func(c *Coordinator) { c.alerter = a }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracerProvider sets the tracer provider. Default: the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithInlineBestEffort makes Execute update best-effort adapters before
// returning. Used by the scenario harness for deterministic traces.
func WithInlineBestEffort() Option {
	return func(c *Coordinator) { c.inline = true }
}

// New creates a Coordinator. Strong targets keep their relative order; the
// first one is the primary.
func New(targets []Target, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		retry:   backoff.Default,
		timeout: DefaultTimeout,
		breaker: DefaultBreakerConfig(),
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}

	seen := make(map[string]bool, len(targets))
	for _, tg := range targets {
		if tg.Adapter == nil {
			return nil, errors.New("coordinator: nil adapter")
		}
		name := tg.Adapter.Name()
		if seen[name] {
			return nil, fmt.Errorf("coordinator: duplicate adapter %q", name)
		}
		seen[name] = true

		t := &target{adapter: tg.Adapter, timeout: tg.Timeout, when: tg.When}
		if t.timeout <= 0 {
			t.timeout = c.timeout
		}

		switch tg.Adapter.Consistency() {
		case store.Strong:
			if tg.When != "" {
				return nil, fmt.Errorf("coordinator: adapter %q: strong adapters cannot be filtered", name)
			}
			c.strong = append(c.strong, t)
		case store.BestEffort:
			if tg.When != "" {
				prog, err := compileWhen(tg.When)
				if err != nil {
					return nil, fmt.Errorf("coordinator: adapter %q: when: %w", name, err)
				}
				t.program = prog
			}
			t.breaker = c.newBreaker(name)
			c.bestEffort = append(c.bestEffort, t)
		default:
			return nil, fmt.Errorf("coordinator: adapter %q: unknown consistency %v", name, tg.Adapter.Consistency())
		}
	}

	if len(c.strong) == 0 {
		return nil, ErrNoStrongAdapter
	}
	return c, nil
}

func (c *Coordinator) newBreaker(name string) *gobreaker.CircuitBreaker {
	cfg := c.breaker
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: cfg.Interval,
		Timeout:  cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, store.ErrStale)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("adapter", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// Primary returns the first strong adapter, the source of truth for reads.
func (c *Coordinator) Primary() store.Adapter {
	return c.strong[0].adapter
}

// Adapters returns every adapter in plan order.
func (c *Coordinator) Adapters() []store.Adapter {
	out := make([]store.Adapter, 0, len(c.strong)+len(c.bestEffort))
	for _, t := range c.strong {
		out = append(out, t.adapter)
	}
	for _, t := range c.bestEffort {
		out = append(out, t.adapter)
	}
	return out
}

// Read reads id from the primary adapter under the primary's timeout.
func (c *Coordinator) Read(ctx context.Context, id string) (*store.Record, error) {
	return c.read(ctx, c.strong[0], id)
}

// Close stops accepting plans and waits for background best-effort work,
// or until ctx is done.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator: drain best-effort writes: %w", ctx.Err())
	}
}

// track registers background work. It fails once Close has been called.
func (c *Coordinator) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}
