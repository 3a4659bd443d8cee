package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/balanced/balanced/internal/coordinator"
	"github.com/balanced/balanced/internal/document"
	"github.com/balanced/balanced/internal/logging"
	"github.com/balanced/balanced/internal/patch"
	"github.com/balanced/balanced/internal/schema"
	"github.com/balanced/balanced/internal/store"
)

const tracerName = "github.com/balanced/balanced/internal/dispatch"

// Validator checks a body against a published schema.
type Validator interface {
	Validate(body document.Object, ref string) error
}

// Propagator reads the primary store and executes propagation plans.
// Implemented by *coordinator.Coordinator.
type Propagator interface {
	Read(ctx context.Context, id string) (*store.Record, error)
	Plan(rec store.Record) (*coordinator.Plan, error)
	Execute(ctx context.Context, plan *coordinator.Plan) (*coordinator.Result, error)
}

// Observer is told about every state a request enters.
type Observer func(requestID string, s State)

// Dispatcher is the single entry point for mutations:
// Validator -> Patch Engine -> Coordinator.
//
// Thread-safety: Handle may be called concurrently. Requests for the same
// document are serialized by the optimistic version check, not by locks.
type Dispatcher struct {
	validator Validator
	patches   *patch.Engine
	coord     Propagator
	ids       IDGenerator
	logger    *zap.Logger
	tracer    trace.Tracer
	observer  Observer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithIDGenerator sets the request id generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(d *Dispatcher) {
		if g != nil {
			d.ids = g
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithTracerProvider sets the tracer provider. Default: the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		if tp != nil {
			d.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithObserver installs a state observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// New creates a Dispatcher.
func New(v Validator, coord Propagator, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		validator: v,
		patches:   patch.NewEngine(v),
		coord:     coord,
		ids:       UUIDv7Generator{},
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// handling is the state of one request in flight.
type handling struct {
	d     *Dispatcher
	req   Request
	state State
	log   *zap.Logger
	span  trace.Span

	// current version of the document, when known
	current int64
}

// Handle runs req to a terminal state and returns the Result.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Result {
	if req.RequestID == "" {
		req.RequestID = d.ids.Generate()
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.Handle", trace.WithAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("request.kind", string(req.Kind)),
		attribute.String("document.id", req.DocumentID),
	))
	defer span.End()

	h := &handling{
		d:    d,
		req:  req,
		span: span,
		log: logging.WithTrace(ctx, d.logger).With(
			zap.String("request_id", req.RequestID),
			zap.String("kind", string(req.Kind)),
			zap.String("document_id", req.DocumentID),
		),
	}
	h.enter(StateReceived)

	res := h.run(ctx)

	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	if !res.Committed() {
		span.SetAttributes(attribute.String("code", string(res.Code)))
		span.SetStatus(codes.Error, res.Reason)
	}

	fields := []zap.Field{zap.String("outcome", string(res.Outcome)), zap.Int64("version", res.Version)}
	switch res.Outcome {
	case OutcomeCommitted:
		h.log.Info("request committed", fields...)
	case OutcomeRejected:
		h.log.Info("request rejected", append(fields, zap.String("code", string(res.Code)), zap.String("reason", res.Reason))...)
	default:
		h.log.Warn("request failed", append(fields, zap.String("code", string(res.Code)), zap.String("reason", res.Reason))...)
	}
	return res
}

func (h *handling) run(ctx context.Context) Result {
	req := h.req
	if err := req.validate(); err != nil {
		return h.terminate(StateRejected, CodeInvalidRequest, err)
	}

	rec, err := h.d.coord.Read(ctx, req.DocumentID)
	if err != nil {
		return h.finish(ctx, err)
	}
	if rec != nil {
		h.current = rec.Version
	}

	var next document.Document
	switch req.Kind {
	case KindCreate:
		if rec != nil {
			return h.terminate(StateRejected, CodeAlreadyExists,
				fmt.Errorf("document %s already exists at version %d", req.DocumentID, rec.Version))
		}
		body := req.Body
		if body == nil {
			body = document.Object{}
		}
		if err := h.d.validator.Validate(body, req.SchemaRef); err != nil {
			return h.finish(ctx, err)
		}
		h.enter(StateValidated)
		next = document.Document{ID: req.DocumentID, Version: 1, SchemaRef: req.SchemaRef, Body: body}

	case KindPatch, KindDelete:
		if rec == nil {
			return h.terminate(StateRejected, CodeNotFound, fmt.Errorf("document %s not found", req.DocumentID))
		}
		cur, err := rec.Document()
		if err != nil {
			return h.terminate(StateFailed, CodeStore, err)
		}
		h.enter(StateValidated)

		if req.Kind == KindPatch {
			next, err = h.d.patches.Apply(cur, req.Ops, req.ExpectedVersion)
			if err != nil {
				return h.finish(ctx, err)
			}
		} else {
			switch {
			case req.ExpectedVersion != cur.Version:
				return h.finish(ctx, &patch.VersionConflict{ID: cur.ID, Expected: req.ExpectedVersion, Actual: cur.Version})
			case cur.Deleted:
				return h.finish(ctx, fmt.Errorf("%w: %s", patch.ErrDocumentDeleted, cur.ID))
			}
			next = cur.Tombstone()
		}
	}
	h.enter(StatePatched)

	out, err := store.RecordOf(next)
	if err != nil {
		return h.terminate(StateRejected, CodeInvalidRequest, err)
	}
	plan, err := h.d.coord.Plan(out)
	if err != nil {
		return h.terminate(StateRejected, CodeInvalidRequest, err)
	}

	h.enter(StatePropagating)
	res, err := h.d.coord.Execute(ctx, plan)
	if err != nil {
		return h.finish(ctx, err)
	}

	h.enter(StateCommitted)
	return Result{
		RequestID:  req.RequestID,
		Outcome:    OutcomeCommitted,
		DocumentID: req.DocumentID,
		Version:    res.Record.Version,
	}
}

func (h *handling) enter(s State) {
	if h.state != 0 && !CanTransition(h.state, s) {
		// a programming error; surface it loudly but keep the request moving
		h.log.DPanic("illegal state transition", zap.Stringer("from", h.state), zap.Stringer("to", s))
	}
	h.state = s
	h.log.Debug("state", zap.Stringer("state", s))
	h.span.AddEvent(s.String())
	if h.d.observer != nil {
		h.d.observer(h.req.RequestID, s)
	}
}

// finish classifies err into a terminal state.
func (h *handling) finish(ctx context.Context, err error) Result {
	state, code := classify(ctx, err)
	res := h.terminate(state, code, err)

	var ve *schema.ValidationError
	var pe *patch.PatchError
	var vc *patch.VersionConflict
	switch {
	case errors.As(err, &ve):
		res.FieldPath = ve.FieldPath
	case errors.As(err, &pe):
		if pe.OpIndex >= 0 {
			idx := pe.OpIndex
			res.OpIndex = &idx
		}
		if pe.Path != "" {
			res.FieldPath = pe.Path
		}
	case errors.As(err, &vc):
		res.Version = vc.Actual
	}
	return res
}

func (h *handling) terminate(s State, code Code, err error) Result {
	h.enter(s)
	outcome := OutcomeFailed
	if s == StateRejected {
		outcome = OutcomeRejected
	}
	return Result{
		RequestID:  h.req.RequestID,
		Outcome:    outcome,
		DocumentID: h.req.DocumentID,
		Version:    h.current,
		Code:       code,
		Reason:     err.Error(),
	}
}

// classify maps the error taxonomy onto a terminal state and code.
func classify(ctx context.Context, err error) (State, Code) {
	switch {
	case schema.IsValidationError(err):
		return StateRejected, CodeValidation
	case errors.Is(err, schema.ErrUnknownSchema):
		return StateRejected, CodeUnknownSchema
	case patch.IsVersionConflict(err):
		return StateRejected, CodeVersionConflict
	case patch.IsPatchError(err):
		return StateRejected, CodePatch
	case errors.Is(err, patch.ErrDocumentDeleted):
		return StateRejected, CodeDeleted
	case coordinator.IsCompensationFailure(err):
		return StateFailed, CodeCompensationFailure
	case errors.Is(err, coordinator.ErrClosed):
		return StateFailed, CodeUnavailable
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return StateFailed, CodeCancelled
	default:
		return StateFailed, CodeStore
	}
}
