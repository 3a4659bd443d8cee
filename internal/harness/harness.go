package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/balanced/balanced/internal/backoff"
	"github.com/balanced/balanced/internal/coordinator"
	"github.com/balanced/balanced/internal/dispatch"
	"github.com/balanced/balanced/internal/document"
	"github.com/balanced/balanced/internal/patch"
	"github.com/balanced/balanced/internal/reconcile"
	"github.com/balanced/balanced/internal/schema"
	"github.com/balanced/balanced/internal/store"
	"github.com/balanced/balanced/internal/store/memstore"
	"github.com/balanced/balanced/internal/testutil"
)

const defaultRetry = 2

// Harness holds the wiring for one scenario run.
type Harness struct {
	stores     []*memstore.Store
	faulty     map[string]*memstore.Faulty
	queue      *reconcile.MemQueue
	coord      *coordinator.Coordinator
	dispatcher *dispatch.Dispatcher
	observed   *testutil.StateRecorder
	logger     *zap.Logger
}

// Option configures Run.
type Option func(*Harness)

// WithLogger logs scenario execution. Default: no logging.
func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario against fresh in-memory adapters.
//
// Execution flow:
//  1. Publish schemas and create adapters
//  2. Seed records
//  3. Send each flow request with its faults and check its expect clause
//  4. Capture the reconciliation queue, optionally drain it
//  5. Capture final store contents and evaluate assertions
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		faulty:   make(map[string]*memstore.Faulty),
		queue:    reconcile.NewMemQueue(),
		observed: testutil.NewStateRecorder(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}

	registry := schema.NewRegistry()
	for ref, src := range scenario.Schemas {
		if strings.HasSuffix(src, ".cue") {
			data, err := os.ReadFile(src)
			if err != nil {
				return nil, fmt.Errorf("schema %s: %w", ref, err)
			}
			src = string(data)
		}
		if err := registry.Publish(ref, src); err != nil {
			return nil, fmt.Errorf("schema %s: %w", ref, err)
		}
	}

	targets := make([]coordinator.Target, 0, len(scenario.Adapters))
	for _, spec := range scenario.Adapters {
		c, err := store.ParseConsistency(spec.Consistency)
		if err != nil {
			return nil, err
		}
		ms := memstore.New(spec.Name, c)
		f := memstore.NewFaulty(ms)
		h.stores = append(h.stores, ms)
		h.faulty[spec.Name] = f
		targets = append(targets, coordinator.Target{Adapter: f, When: spec.When})
	}

	if err := h.seed(scenario); err != nil {
		return nil, fmt.Errorf("failed to seed: %w", err)
	}

	attempts := scenario.Retry
	if attempts <= 0 {
		attempts = defaultRetry
	}
	retry := backoff.Policy{Attempts: attempts, Base: time.Microsecond, Max: 10 * time.Microsecond}

	coord, err := coordinator.New(targets,
		coordinator.WithQueue(h.queue),
		coordinator.WithRetry(retry),
		coordinator.WithInlineBestEffort(),
		coordinator.WithLogger(h.logger.Named("coordinator")),
	)
	if err != nil {
		return nil, err
	}
	h.coord = coord
	defer coord.Close(context.Background())

	ids := make([]string, len(scenario.Flow))
	for i := range ids {
		ids[i] = fmt.Sprintf("req-%03d", i+1)
	}
	h.dispatcher = dispatch.New(registry, coord,
		dispatch.WithIDGenerator(dispatch.NewFixedGenerator(ids...)),
		dispatch.WithObserver(h.observed.Observe),
		dispatch.WithLogger(h.logger.Named("dispatch")),
	)

	ctx := context.Background()
	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	for _, item := range h.queue.Snapshot() {
		result.Queued = append(result.Queued, QueuedItem{
			Adapter:  item.Adapter,
			ID:       item.Record.ID,
			Version:  item.Record.Version,
			Op:       string(item.Op),
			Attempts: item.Attempts,
		})
	}

	if scenario.Reconcile {
		h.queue.Close()
		adapters := make([]store.Adapter, 0, len(h.stores))
		for _, s := range h.stores {
			adapters = append(adapters, h.faulty[s.Name()])
		}
		rec := reconcile.NewReconciler(h.queue, adapters,
			reconcile.WithBackoff(retry),
			reconcile.WithLogger(h.logger.Named("reconciler")),
		)
		if err := rec.Run(ctx); err != nil {
			return nil, fmt.Errorf("failed to reconcile: %w", err)
		}
	}

	for _, s := range h.stores {
		state := StoreState{Adapter: s.Name(), Records: []StoredRecord{}}
		for _, r := range s.Snapshot() {
			state.Records = append(state.Records, StoredRecord{
				ID:      r.ID,
				Version: r.Version,
				Deleted: r.Deleted,
				Body:    json.RawMessage(r.Body),
			})
		}
		result.Stores = append(result.Stores, state)

		f := h.faulty[s.Name()]
		result.calls[s.Name()] = map[string]int{}
		for name, op := range faultOps {
			result.calls[s.Name()][name] = f.Calls(op)
		}
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) seed(s *Scenario) error {
	strong := make([]string, 0, len(s.Adapters))
	for _, a := range s.Adapters {
		if c, _ := store.ParseConsistency(a.Consistency); c == store.Strong {
			strong = append(strong, a.Name)
		}
	}
	byName := make(map[string]*memstore.Store, len(h.stores))
	for _, ms := range h.stores {
		byName[ms.Name()] = ms
	}

	for i, seed := range s.Seed {
		body, err := toObject(seed.Body)
		if err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		rec, err := store.RecordOf(document.Document{
			ID:        seed.ID,
			Version:   seed.Version,
			SchemaRef: seed.SchemaRef,
			Body:      body,
			Deleted:   seed.Deleted,
		})
		if err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		targets := seed.Adapters
		if len(targets) == 0 {
			targets = strong
		}
		for _, name := range targets {
			byName[name].Put(rec)
		}
	}
	return nil
}

func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		req, err := buildRequest(step.Request)
		if err != nil {
			return fmt.Errorf("flow step %d: %w", i, err)
		}

		for _, f := range step.Faults {
			fault := memstore.Fault{Times: f.Times, AfterApply: f.AfterApply}
			if f.Stale {
				fault.Err = store.ErrStale
			}
			h.faulty[f.Adapter].Inject(faultOps[f.Op], fault)
		}

		res := h.dispatcher.Handle(ctx, req)

		for _, f := range h.faulty {
			f.Clear()
		}

		trace := StepTrace{
			RequestID:  res.RequestID,
			Kind:       string(req.Kind),
			DocumentID: res.DocumentID,
			States:     h.observed.States(res.RequestID),
			Outcome:    string(res.Outcome),
			Code:       string(res.Code),
			Version:    res.Version,
			Reason:     res.Reason,
		}
		result.Steps = append(result.Steps, trace)

		if step.Expect != nil {
			if msg := checkExpect(i, step.Expect, trace); msg != "" {
				result.AddError(msg)
			}
		}
	}
	return nil
}

func checkExpect(index int, want *ExpectClause, got StepTrace) string {
	var diffs []string
	if want.Outcome != got.Outcome {
		diffs = append(diffs, fmt.Sprintf("outcome %s, want %s", got.Outcome, want.Outcome))
	}
	if want.Code != "" && want.Code != got.Code {
		diffs = append(diffs, fmt.Sprintf("code %q, want %q", got.Code, want.Code))
	}
	if want.Version != 0 && want.Version != got.Version {
		diffs = append(diffs, fmt.Sprintf("version %d, want %d", got.Version, want.Version))
	}
	if len(diffs) == 0 {
		return ""
	}
	msg := fmt.Sprintf("flow[%d] %s: %s", index, got.RequestID, strings.Join(diffs, "; "))
	if got.Reason != "" {
		msg += " (reason: " + got.Reason + ")"
	}
	return msg
}

func buildRequest(spec RequestSpec) (dispatch.Request, error) {
	req := dispatch.Request{
		Kind:            dispatch.Kind(spec.Kind),
		DocumentID:      spec.DocumentID,
		SchemaRef:       spec.SchemaRef,
		ExpectedVersion: spec.ExpectedVersion,
	}
	if spec.Body != nil {
		body, err := toObject(spec.Body)
		if err != nil {
			return req, fmt.Errorf("body: %w", err)
		}
		req.Body = body
	}
	if len(spec.Ops) > 0 {
		raw, err := json.Marshal(spec.Ops)
		if err != nil {
			return req, fmt.Errorf("ops: %w", err)
		}
		var ops []patch.Operation
		if err := json.Unmarshal(raw, &ops); err != nil {
			return req, fmt.Errorf("ops: %w", err)
		}
		req.Ops = ops
	}
	return req, nil
}

func toObject(m map[string]any) (document.Object, error) {
	if m == nil {
		return document.Object{}, nil
	}
	v, err := document.FromAny(m)
	if err != nil {
		return nil, err
	}
	return v.(document.Object), nil
}
