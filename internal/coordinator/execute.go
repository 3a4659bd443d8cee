package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/balanced/balanced/internal/patch"
	"github.com/balanced/balanced/internal/reconcile"
	"github.com/balanced/balanced/internal/store"
)

// Result describes a committed plan.
type Result struct {
	Record store.Record

	// Applied names the strong adapters that changed.
	Applied []string

	// Replayed is true when no strong adapter changed: the same version had
	// already been committed.
	Replayed bool
}

type ack struct {
	t       *target
	prior   *store.Record
	applied bool
}

// holds reports whether prior already was rec when the plan started, which
// makes a no-op write a replay rather than another writer's commit.
func holds(prior *store.Record, rec store.Record) bool {
	return prior != nil && prior.Version >= rec.Version
}

// Execute runs plan. On success the mutation is committed in every strong
// adapter. Errors:
//   - *patch.VersionConflict when the primary already holds another record
//     at or beyond the plan's version, or when an identical plan from the
//     same prior committed there first; nothing was written.
//   - *StoreError after a strong failure was fully compensated.
//   - *CompensationFailure when a rollback failed.
//   - the caller's context error when cancelled before the first acknowledgment.
func (c *Coordinator) Execute(ctx context.Context, plan *Plan) (*Result, error) {
	if !c.track() {
		return nil, ErrClosed
	}
	handedOff := false
	defer func() {
		if !handedOff {
			c.wg.Done()
		}
	}()

	rec := plan.Record
	ctx, span := c.tracer.Start(ctx, "coordinator.Execute", trace.WithAttributes(
		attribute.String("document.id", rec.ID),
		attribute.Int64("document.version", rec.Version),
		attribute.String("op", string(plan.Op)),
	))
	defer span.End()

	log := c.logger.With(zap.String("id", rec.ID), zap.Int64("version", rec.Version))

	res, err := c.executeStrong(ctx, plan, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("replayed", res.Replayed))

	if len(plan.bestEffort) > 0 {
		detached := context.WithoutCancel(ctx)
		if c.inline {
			c.propagate(detached, plan, log)
		} else {
			handedOff = true
			go func() {
				defer c.wg.Done()
				c.propagate(detached, plan, log)
			}()
		}
	}
	return res, nil
}

func (c *Coordinator) executeStrong(ctx context.Context, plan *Plan, log *zap.Logger) (*Result, error) {
	rec := plan.Record

	// priors are needed to compensate; nothing is written yet so the
	// caller's context applies
	priors := make([]*store.Record, len(plan.strong))
	for i, t := range plan.strong {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("coordinator: %s v%d cancelled before commit: %w", rec.ID, rec.Version, err)
		}
		prior, err := c.read(ctx, t, rec.ID)
		if err != nil {
			return nil, err
		}
		priors[i] = prior
	}

	runCtx := ctx
	acks := make([]ack, 0, len(plan.strong))
	// owned bounds the acks this plan wrote itself; -1 until another
	// writer's identical record is found in a strong adapter
	owned := -1
	for i, t := range plan.strong {
		if len(acks) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("coordinator: %s v%d cancelled before commit: %w", rec.ID, rec.Version, err)
			}
		}

		applied, err := c.apply(runCtx, t, rec)
		if err == nil {
			if !applied && !holds(priors[i], rec) {
				if len(acks) == 0 {
					// a concurrent plan from the same prior committed first
					return nil, c.conflict(runCtx, t, rec, priors[i])
				}
				if owned < 0 {
					owned = len(acks)
					log.Warn("strong adapter already holds the record from another writer",
						zap.String("adapter", t.name()))
				}
			}
			if len(acks) == 0 {
				// first acknowledgment: from here on the plan must finish
				runCtx = context.WithoutCancel(ctx)
			}
			acks = append(acks, ack{t: t, prior: priors[i], applied: applied})
			log.Debug("strong write acknowledged", zap.String("adapter", t.name()), zap.Bool("applied", applied))
			continue
		}

		stale := errors.Is(err, store.ErrStale)
		if stale && len(acks) == 0 {
			return nil, c.conflict(runCtx, t, rec, priors[i])
		}

		log.Warn("strong write failed, compensating",
			zap.String("adapter", t.name()), zap.Int("acknowledged", len(acks)), zap.Error(err))

		// the failing write may have landed unless the adapter refused it;
		// past another writer's record nothing is ours to revert
		if owned >= 0 {
			acks = acks[:owned]
		} else if !stale {
			acks = append(acks, ack{t: t, prior: priors[i], applied: true})
		}
		if failures := c.compensate(context.WithoutCancel(ctx), rec, acks, log); len(failures) > 0 {
			cf := &CompensationFailure{ID: rec.ID, Version: rec.Version, Cause: err, Failures: failures}
			log.Error("compensation failed: manual reconciliation required",
				zap.Strings("adapters", cf.Adapters()), zap.Error(cf))
			if c.alerter != nil {
				c.alerter.Alert(context.WithoutCancel(ctx), cf)
			}
			return nil, cf
		}
		return nil, err
	}

	res := &Result{Record: rec, Replayed: true}
	for _, a := range acks {
		if a.applied {
			res.Applied = append(res.Applied, a.t.name())
			res.Replayed = false
		}
	}
	log.Debug("committed", zap.Strings("applied", res.Applied), zap.Bool("replayed", res.Replayed))
	return res, nil
}

// conflict builds the VersionConflict for a first-step refusal, re-reading
// the primary so Actual reflects the writer that won.
func (c *Coordinator) conflict(ctx context.Context, t *target, rec store.Record, prior *store.Record) error {
	current := prior
	if fresh, err := c.read(ctx, t, rec.ID); err == nil {
		current = fresh
	}
	var actual int64
	if current != nil {
		actual = current.Version
	}
	return &patch.VersionConflict{ID: rec.ID, Expected: rec.Version - 1, Actual: actual}
}

// compensate reverts acknowledged writes newest first and returns the
// restores that failed.
func (c *Coordinator) compensate(ctx context.Context, rec store.Record, acks []ack, log *zap.Logger) []*StoreError {
	var failures []*StoreError
	for i := len(acks) - 1; i >= 0; i-- {
		a := acks[i]
		if !a.applied {
			continue
		}
		if a.prior != nil && a.prior.Version >= rec.Version {
			continue
		}

		_, err := c.retry.Retry(ctx, func(ctx context.Context) error {
			return c.restore(ctx, a.t, rec, a.prior)
		}, func(err error) bool { return !errors.Is(err, store.ErrStale) })
		if err != nil {
			var se *StoreError
			if !errors.As(err, &se) {
				se = &StoreError{Adapter: a.t.name(), Op: "restore", ID: rec.ID, Version: rec.Version, Err: err}
			}
			failures = append(failures, se)
			continue
		}
		log.Info("compensated", zap.String("adapter", a.t.name()))
	}
	return failures
}

// propagate updates every best-effort adapter in parallel.
func (c *Coordinator) propagate(ctx context.Context, plan *Plan, log *zap.Logger) {
	ctx, span := c.tracer.Start(ctx, "coordinator.BestEffort", trace.WithAttributes(
		attribute.String("document.id", plan.Record.ID),
		attribute.Int64("document.version", plan.Record.Version),
		attribute.Int("adapters", len(plan.bestEffort)),
	))
	defer span.End()

	var g errgroup.Group
	for _, t := range plan.bestEffort {
		g.Go(func() error {
			c.propagateOne(ctx, t, plan, log)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) propagateOne(ctx context.Context, t *target, plan *Plan, log *zap.Logger) {
	rec := plan.Record
	log = log.With(zap.String("adapter", t.name()))

	attempts, err := c.retry.Retry(ctx, func(ctx context.Context) error {
		_, err := t.breaker.Execute(func() (any, error) {
			return c.apply(ctx, t, rec)
		})
		return err
	}, retryableBestEffort)

	switch {
	case err == nil:
		log.Debug("best-effort write applied", zap.Int("attempts", attempts))
		return
	case errors.Is(err, store.ErrStale):
		log.Debug("best-effort adapter already newer", zap.Error(err))
		return
	}

	log.Warn("best-effort write failed, queueing for reconciliation", zap.Int("attempts", attempts), zap.Error(err))
	if c.queue == nil {
		log.Error("best-effort write lost: no reconciliation queue")
		return
	}
	item := reconcile.Item{Adapter: t.name(), Record: rec, Op: plan.Op, Attempts: attempts}
	if qerr := c.queue.Enqueue(ctx, item); qerr != nil {
		log.Error("best-effort write lost: enqueue failed", zap.Error(qerr))
	}
}

func retryableBestEffort(err error) bool {
	return !errors.Is(err, store.ErrStale) &&
		!errors.Is(err, gobreaker.ErrOpenState) &&
		!errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (c *Coordinator) read(ctx context.Context, t *target, id string) (*store.Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	rec, err := t.adapter.Read(callCtx, id)
	if err != nil {
		return nil, &StoreError{Adapter: t.name(), Op: "read", ID: id, Err: err}
	}
	return rec, nil
}

func (c *Coordinator) apply(ctx context.Context, t *target, rec store.Record) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	op := reconcile.OpFor(rec)
	var (
		applied bool
		err     error
	)
	if op == reconcile.OpDeleteMarker {
		applied, err = t.adapter.DeleteMarker(callCtx, rec)
	} else {
		applied, err = t.adapter.Write(callCtx, rec)
	}
	if err != nil {
		return false, &StoreError{Adapter: t.name(), Op: string(op), ID: rec.ID, Version: rec.Version, Err: err}
	}
	return applied, nil
}

func (c *Coordinator) restore(ctx context.Context, t *target, written store.Record, prior *store.Record) error {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := t.adapter.Restore(callCtx, written, prior); err != nil {
		return &StoreError{Adapter: t.name(), Op: "restore", ID: written.ID, Version: written.Version, Err: err}
	}
	return nil
}
