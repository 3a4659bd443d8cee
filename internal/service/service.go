// Package service assembles balancedd from its configuration.
//
// New opens every dependency in order; Close tears them down in reverse:
// ingress stops first, in-flight best-effort propagation drains, the
// reconciler empties its queue, then broker and store connections close.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/balanced/balanced/internal/backoff"
	"github.com/balanced/balanced/internal/config"
	"github.com/balanced/balanced/internal/coordinator"
	"github.com/balanced/balanced/internal/dispatch"
	"github.com/balanced/balanced/internal/messaging"
	"github.com/balanced/balanced/internal/reconcile"
	"github.com/balanced/balanced/internal/schema"
	"github.com/balanced/balanced/internal/store"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("service: closed")

// Service is the wired application.
type Service struct {
	Config      *config.Config
	Registry    *schema.Registry
	Coordinator *coordinator.Coordinator
	Dispatcher  *dispatch.Dispatcher
	Queue       *reconcile.MemQueue
	Reconciler  *reconcile.Reconciler

	logger    *zap.Logger
	adapters  []store.Adapter
	closers   []namedCloser
	runners   []runner
	recCancel context.CancelFunc
	recDone   chan struct{}

	mu     sync.Mutex
	closed bool
}

type namedCloser struct {
	name  string
	close Closer
}

type runner struct {
	name string
	run  func(ctx context.Context) error
}

type options struct {
	logger  *zap.Logger
	opener  Opener
	ids     dispatch.IDGenerator
	tracer  trace.TracerProvider
	alerter coordinator.Alerter
	channel messaging.Channel
	inline  bool
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOpener replaces OpenAdapter.
func WithOpener(op Opener) Option {
	return func(o *options) { o.opener = op }
}

// WithIDGenerator sets the dispatcher's request id generator.
func WithIDGenerator(g dispatch.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithTracerProvider sets the tracer provider for dispatch and coordination.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithAlerter receives compensation failures.
func WithAlerter(a coordinator.Alerter) Option {
	return func(o *options) { o.alerter = a }
}

// WithChannel uses ch instead of dialing amqp.url.
func WithChannel(ch messaging.Channel) Option {
	return func(o *options) { o.channel = ch }
}

// WithInlineBestEffort runs best-effort propagation before Handle returns.
func WithInlineBestEffort() Option {
	return func(o *options) { o.inline = true }
}

// New wires a Service from cfg. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (svc *Service, err error) {
	o := options{opener: OpenAdapter}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	s := &Service{Config: cfg, logger: o.logger, recDone: make(chan struct{})}
	defer func() {
		if err != nil {
			s.closeAll(context.WithoutCancel(ctx))
		}
	}()

	s.Registry = schema.NewRegistry()
	if cfg.Schemas.Dir != "" {
		refs, err := s.Registry.LoadDir(cfg.Schemas.Dir)
		if err != nil {
			return nil, fmt.Errorf("load schemas: %w", err)
		}
		s.logger.Info("schemas loaded", zap.String("dir", cfg.Schemas.Dir), zap.Strings("refs", refs))
	}

	targets := make([]coordinator.Target, 0, len(cfg.Adapters))
	for _, ac := range cfg.Adapters {
		a, closeFn, err := o.opener(ctx, ac)
		if err != nil {
			return nil, fmt.Errorf("open adapter %s: %w", ac.Name, err)
		}
		s.adapters = append(s.adapters, a)
		s.closers = append(s.closers, namedCloser{name: "adapter " + ac.Name, close: closeFn})
		targets = append(targets, coordinator.Target{Adapter: a, Timeout: ac.Timeout, When: ac.When})
		s.logger.Info("adapter opened",
			zap.String("adapter", ac.Name),
			zap.String("kind", string(ac.Kind)),
			zap.Stringer("consistency", a.Consistency()),
		)
	}

	retry := backoff.Policy{
		Attempts: cfg.Coordinator.Retry.Attempts,
		Base:     cfg.Coordinator.Retry.BaseDelay,
		Max:      cfg.Coordinator.Retry.MaxDelay,
	}

	s.Queue = reconcile.NewMemQueue()
	var queue reconcile.Queue = s.Queue

	ch := o.channel
	if ch == nil && (cfg.Reconcile.Queue == config.QueueAMQP || cfg.Ingress.Enabled) {
		conn, err := messaging.Dial(cfg.AMQP)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, namedCloser{name: "amqp", close: func(context.Context) error { return conn.Close() }})
		ch = conn.Channel()
	}
	if ch != nil {
		if err := messaging.DeclareQueues(ch, cfg.AMQP); err != nil {
			return nil, err
		}
	}

	if cfg.Reconcile.Queue == config.QueueAMQP {
		queue = messaging.NewPublisher(ch, cfg.AMQP.ReconcileExchange, cfg.AMQP.ReconcileRoutingKey, s.logger.Named("publisher"))
		consumer := messaging.NewItemConsumer(ch, cfg.AMQP.ReconcileQueue, cfg.AMQP.Prefetch, s.Queue, s.logger.Named("reconcile"))
		s.runners = append(s.runners, runner{name: "reconcile consumer", run: consumer.Run})
	}

	coordOpts := []coordinator.Option{
		coordinator.WithQueue(queue),
		coordinator.WithRetry(retry),
		coordinator.WithTimeout(cfg.Coordinator.Timeout),
		coordinator.WithBreaker(coordinator.BreakerConfig{
			ConsecutiveFailures: cfg.Coordinator.Breaker.ConsecutiveFailures,
			Timeout:             cfg.Coordinator.Breaker.OpenTimeout,
			Interval:            cfg.Coordinator.Breaker.Interval,
		}),
		coordinator.WithLogger(s.logger.Named("coordinator")),
		coordinator.WithTracerProvider(o.tracer),
	}
	if o.alerter != nil {
		coordOpts = append(coordOpts, coordinator.WithAlerter(o.alerter))
	}
	if o.inline {
		coordOpts = append(coordOpts, coordinator.WithInlineBestEffort())
	}
	s.Coordinator, err = coordinator.New(targets, coordOpts...)
	if err != nil {
		return nil, err
	}

	s.Reconciler = reconcile.NewReconciler(s.Queue, s.adapters,
		reconcile.WithMaxAttempts(cfg.Reconcile.MaxAttempts),
		reconcile.WithBackoff(retry),
		reconcile.WithTimeout(cfg.Coordinator.Timeout),
		reconcile.WithLogger(s.logger.Named("reconciler")),
	)

	s.Dispatcher = dispatch.New(s.Registry, s.Coordinator,
		dispatch.WithIDGenerator(o.ids),
		dispatch.WithLogger(s.logger.Named("dispatch")),
		dispatch.WithTracerProvider(o.tracer),
	)

	if cfg.Ingress.Enabled {
		consumer := messaging.NewRequestConsumer(ch, cfg.AMQP.RequestQueue, cfg.AMQP.Prefetch, s.Dispatcher, s.logger.Named("ingress"))
		s.runners = append(s.runners, runner{name: "request consumer", run: consumer.Run})
	}

	if cfg.Schemas.Watch && cfg.Schemas.Dir != "" {
		dir := cfg.Schemas.Dir
		s.runners = append(s.runners, runner{name: "schema watcher", run: func(ctx context.Context) error {
			return s.Registry.Watch(ctx, dir, s.logger.Named("schema"), nil)
		}})
	}

	recCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.recCancel = cancel
	go func() {
		defer close(s.recDone)
		_ = s.Reconciler.Run(recCtx)
	}()

	return s, nil
}

// Handle dispatches one request.
func (s *Service) Handle(ctx context.Context, req dispatch.Request) dispatch.Result {
	return s.Dispatcher.Handle(ctx, req)
}

// Adapters returns the opened adapters in configuration order.
func (s *Service) Adapters() []store.Adapter {
	return append([]store.Adapter(nil), s.adapters...)
}

// Run starts ingress and the schema watcher and blocks until ctx is done or
// one of them fails. Cancellation is a clean stop.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.runners {
		g.Go(func() error {
			s.logger.Info("starting", zap.String("component", r.name))
			if err := r.run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", r.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	return g.Wait()
}

// Close drains and releases everything. Cancel Run's context first so no
// new requests arrive. ctx bounds the drain; when it expires the reconciler
// is stopped with items still queued.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.closeAll(ctx)
}

func (s *Service) closeAll(ctx context.Context) error {
	var errs []error

	if s.Coordinator != nil {
		if err := s.Coordinator.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain coordinator: %w", err))
		}
	}

	if s.Queue != nil {
		s.Queue.Close()
	}
	if s.recCancel != nil {
		select {
		case <-s.recDone:
		case <-ctx.Done():
			s.recCancel()
			<-s.recDone
			if n := s.Queue.Len(); n > 0 {
				s.logger.Error("reconciliation items abandoned at shutdown", zap.Int("items", n))
			}
		}
		s.recCancel()
		applied, obsolete, dropped := s.Reconciler.Stats()
		s.logger.Info("reconciler stopped",
			zap.Int64("applied", applied),
			zap.Int64("obsolete", obsolete),
			zap.Int64("dropped", dropped),
		)
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.close(ctx); err != nil {
			s.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}
