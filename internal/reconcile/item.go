// Package reconcile carries best-effort writes that could not be applied on
// the request path and re-applies them out of band.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/balanced/balanced/internal/store"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("reconcile: queue closed")

// Op is the adapter operation an Item replays.
type Op string

const (
	OpWrite        Op = "write"
	OpDeleteMarker Op = "delete_marker"
)

// OpFor returns the operation that stores rec.
func OpFor(rec store.Record) Op {
	if rec.Deleted {
		return OpDeleteMarker
	}
	return OpWrite
}

// Item is one failed best-effort operation.
type Item struct {
	Adapter  string       `json:"adapter_id"`
	Record   store.Record `json:"record"`
	Op       Op           `json:"op"`
	Attempts int          `json:"attempt_count"`
}

// Queue receives items for asynchronous retry.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
}

// Apply replays the item against a.
func (it Item) Apply(ctx context.Context, a store.Adapter) (bool, error) {
	switch it.Op {
	case OpWrite:
		return a.Write(ctx, it.Record)
	case OpDeleteMarker:
		return a.DeleteMarker(ctx, it.Record)
	default:
		return false, fmt.Errorf("reconcile: unknown op %q", it.Op)
	}
}
