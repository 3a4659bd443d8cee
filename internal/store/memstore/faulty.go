package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/balanced/balanced/internal/store"
)

// Op names an adapter operation for fault injection.
type Op string

const (
	OpRead         Op = "read"
	OpWrite        Op = "write"
	OpDeleteMarker Op = "delete_marker"
	OpRestore      Op = "restore"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("memstore: injected fault")

// Fault describes how an operation misbehaves.
type Fault struct {
	// Err is returned instead of calling through. Defaults to ErrInjected.
	Err error
	// Times limits how many calls fail; 0 means every call.
	Times int
	// AfterApply lets the call reach the inner adapter and then reports Err,
	// the way a timeout after a durable write looks to the caller.
	AfterApply bool
	// Delay blocks the call first, honoring context cancellation.
	Delay time.Duration
}

// Faulty wraps an adapter and injects failures per operation.
type Faulty struct {
	inner store.Adapter

	mu     sync.Mutex
	faults map[Op]*Fault
	calls  map[Op]int
}

// NewFaulty wraps inner.
func NewFaulty(inner store.Adapter) *Faulty {
	return &Faulty{inner: inner, faults: make(map[Op]*Fault), calls: make(map[Op]int)}
}

// Inject installs f for op, replacing any earlier fault.
func (f *Faulty) Inject(op Op, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fault.Err == nil && fault.Delay == 0 {
		fault.Err = ErrInjected
	}
	f.faults[op] = &fault
}

// Clear removes all faults.
func (f *Faulty) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[Op]*Fault)
}

// Calls returns how many times op was invoked.
func (f *Faulty) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faulty) Name() string                   { return f.inner.Name() }
func (f *Faulty) Consistency() store.Consistency { return f.inner.Consistency() }

func (f *Faulty) Read(ctx context.Context, id string) (*store.Record, error) {
	fault, err := f.before(ctx, OpRead)
	if err != nil {
		return nil, err
	}
	r, err := f.inner.Read(ctx, id)
	if err == nil && fault != nil {
		return nil, fault.Err
	}
	return r, err
}

func (f *Faulty) Write(ctx context.Context, rec store.Record) (bool, error) {
	return f.put(ctx, OpWrite, rec, f.inner.Write)
}

func (f *Faulty) DeleteMarker(ctx context.Context, rec store.Record) (bool, error) {
	return f.put(ctx, OpDeleteMarker, rec, f.inner.DeleteMarker)
}

func (f *Faulty) put(ctx context.Context, op Op, rec store.Record, call func(context.Context, store.Record) (bool, error)) (bool, error) {
	fault, err := f.before(ctx, op)
	if err != nil {
		return false, err
	}
	applied, err := call(ctx, rec)
	if err == nil && fault != nil {
		return false, fault.Err
	}
	return applied, err
}

func (f *Faulty) Restore(ctx context.Context, written store.Record, prior *store.Record) error {
	fault, err := f.before(ctx, OpRestore)
	if err != nil {
		return err
	}
	if err := f.inner.Restore(ctx, written, prior); err != nil {
		return err
	}
	if fault != nil {
		return fault.Err
	}
	return nil
}

// before counts the call, applies delay, and returns either an error to
// return immediately or a fault to report after calling through.
func (f *Faulty) before(ctx context.Context, op Op) (*Fault, error) {
	f.mu.Lock()
	f.calls[op]++
	fault := f.faults[op]
	var active *Fault
	if fault != nil && fault.Times >= 0 {
		copied := *fault
		active = &copied
		if fault.Times > 0 {
			fault.Times--
			if fault.Times == 0 {
				fault.Times = -1
			}
		}
	}
	f.mu.Unlock()

	if active == nil {
		return nil, nil
	}

	if active.Delay > 0 {
		timer := time.NewTimer(active.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if active.Err == nil {
		return nil, nil
	}
	if active.AfterApply {
		return active, nil
	}
	return nil, active.Err
}
