// Package store defines the Store Adapter contract shared by every backend.
//
// An adapter holds the backend-specific projection (Record) of a Document.
// Every adapter implements the same version rule:
//
//   - Write and DeleteMarker are accepted iff nothing is stored or the stored
//     version is lower than the incoming version.
//   - The same version with the same digest is an idempotent no-op.
//   - Anything else fails with ErrStale and leaves the stored record intact.
//
// Restore is the compensating action: it undoes exactly one earlier write and
// refuses to touch a record that has moved on since.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStale is returned when an incoming record does not supersede the
	// stored one.
	ErrStale = errors.New("store: stale record")

	// ErrClosed is returned by adapters used after Close.
	ErrClosed = errors.New("store: adapter closed")
)

// Consistency is the durability class an adapter declares.
type Consistency int

const (
	// Strong adapters acknowledge durable writes synchronously.
	Strong Consistency = iota
	// BestEffort adapters are updated after commit and may lag.
	BestEffort
)

func (c Consistency) String() string {
	switch c {
	case Strong:
		return "strong"
	case BestEffort:
		return "best-effort"
	default:
		return fmt.Sprintf("consistency(%d)", int(c))
	}
}

// ParseConsistency parses "strong" or "best-effort".
func ParseConsistency(s string) (Consistency, error) {
	switch strings.ToLower(s) {
	case "strong":
		return Strong, nil
	case "best-effort", "best_effort", "besteffort":
		return BestEffort, nil
	}
	return 0, fmt.Errorf("unknown consistency %q (want strong or best-effort)", s)
}

// Adapter is the uniform capability set over one backend.
//
// Read returns a nil record when id is absent. Write and DeleteMarker report
// whether the backend changed; a replayed record is not an error.
// DeleteMarker receives the tombstone record (Deleted set).
// Restore reverts written to prior; a nil prior removes the record.
type Adapter interface {
	Name() string
	Consistency() Consistency
	Read(ctx context.Context, id string) (*Record, error)
	Write(ctx context.Context, rec Record) (bool, error)
	DeleteMarker(ctx context.Context, rec Record) (bool, error)
	Restore(ctx context.Context, written Record, prior *Record) error
}

// CheckWrite applies the version rule to a stored record and an incoming one.
// It returns true when the incoming record must be stored.
func CheckWrite(stored *Record, incoming Record) (bool, error) {
	if stored == nil || stored.Version < incoming.Version {
		return true, nil
	}
	if stored.Version == incoming.Version && stored.Digest == incoming.Digest {
		return false, nil
	}
	return false, staleError(stored, incoming)
}

// CheckRestore decides whether written may be reverted given the stored record.
// It returns true when the stored record is exactly written.
// A missing or older stored record means written never landed; nothing to do.
func CheckRestore(stored *Record, written Record) (bool, error) {
	if stored == nil || stored.Version < written.Version {
		return false, nil
	}
	if stored.Version == written.Version && stored.Digest == written.Digest {
		return true, nil
	}
	return false, staleError(stored, written)
}

func staleError(stored *Record, incoming Record) error {
	return fmt.Errorf("%w: %s stored v%d, incoming v%d", ErrStale, incoming.ID, stored.Version, incoming.Version)
}
