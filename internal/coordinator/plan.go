package coordinator

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/sony/gobreaker"

	"github.com/balanced/balanced/internal/document"
	"github.com/balanced/balanced/internal/reconcile"
	"github.com/balanced/balanced/internal/store"
)

// Target declares one adapter in the propagation order.
type Target struct {
	Adapter store.Adapter

	// Timeout bounds each call to the adapter. Zero uses the coordinator default.
	Timeout time.Duration

	// When is an expr predicate over the record that selects which mutations
	// reach a best-effort adapter, e.g. `schema_ref == "payment" && !deleted`.
	// The environment holds id, version, schema_ref, deleted and body.
	When string
}

type target struct {
	adapter store.Adapter
	timeout time.Duration
	when    string
	program *vm.Program
	breaker *gobreaker.CircuitBreaker
}

func (t *target) name() string { return t.adapter.Name() }

// Step is one (adapter, operation) pair of a Plan.
type Step struct {
	Adapter     string            `json:"adapter"`
	Consistency store.Consistency `json:"-"`
	Op          reconcile.Op      `json:"op"`
}

// Plan is the ordered set of adapter writes derived from one mutation.
// Strong steps come first in declared order; best-effort steps follow.
type Plan struct {
	Record store.Record
	Op     reconcile.Op
	Steps  []Step

	strong     []*target
	bestEffort []*target
}

// Strong returns the strong steps.
func (p *Plan) Strong() []Step { return p.Steps[:len(p.strong)] }

// BestEffort returns the best-effort steps.
func (p *Plan) BestEffort() []Step { return p.Steps[len(p.strong):] }

func compileWhen(src string) (*vm.Program, error) {
	env := filterEnv(store.Record{}, nil)
	return expr.Compile(src, expr.Env(env), expr.AsBool())
}

func filterEnv(rec store.Record, body document.Object) map[string]any {
	b, _ := document.ToAny(body).(map[string]any)
	if b == nil {
		b = map[string]any{}
	}
	return map[string]any{
		"id":         rec.ID,
		"version":    rec.Version,
		"schema_ref": rec.SchemaRef,
		"deleted":    rec.Deleted,
		"body":       b,
	}
}

// Plan builds the propagation plan for rec. Best-effort targets whose When
// predicate is false are left out; a predicate that fails to evaluate keeps
// the target in the plan.
func (c *Coordinator) Plan(rec store.Record) (*Plan, error) {
	op := reconcile.OpFor(rec)
	p := &Plan{Record: rec, Op: op}

	for _, t := range c.strong {
		p.strong = append(p.strong, t)
		p.Steps = append(p.Steps, Step{Adapter: t.name(), Consistency: store.Strong, Op: op})
	}

	var env map[string]any
	for _, t := range c.bestEffort {
		if t.program != nil {
			if env == nil {
				doc, err := rec.Document()
				if err != nil {
					return nil, fmt.Errorf("plan %s v%d: %w", rec.ID, rec.Version, err)
				}
				env = filterEnv(rec, doc.Body)
			}
			out, err := expr.Run(t.program, env)
			if err != nil {
				c.logger.Sugar().Warnw("propagation filter failed, keeping adapter",
					"adapter", t.name(), "when", t.when, "error", err)
			} else if keep, _ := out.(bool); !keep {
				continue
			}
		}
		p.bestEffort = append(p.bestEffort, t)
		p.Steps = append(p.Steps, Step{Adapter: t.name(), Consistency: store.BestEffort, Op: op})
	}
	return p, nil
}
