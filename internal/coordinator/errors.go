package coordinator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClosed is returned by Execute after Close.
	ErrClosed = errors.New("coordinator: closed")

	// ErrNoStrongAdapter is returned by New when no strong adapter is configured.
	ErrNoStrongAdapter = errors.New("coordinator: at least one strong adapter is required")
)

// ErrorCode categorizes coordinator errors.
type ErrorCode string

const (
	// ErrCodeStore indicates a backend call failed.
	ErrCodeStore ErrorCode = "STORE_ERROR"

	// ErrCodeCompensationFailure indicates a rollback itself failed and the
	// strong stores may disagree.
	ErrCodeCompensationFailure ErrorCode = "COMPENSATION_FAILURE"
)

// StoreError is a failed adapter call.
type StoreError struct {
	Adapter string
	Op      string
	ID      string
	Version int64
	Err     error
}

// Code returns ErrCodeStore.
func (e *StoreError) Code() ErrorCode { return ErrCodeStore }

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s %s v%d on %s: %v", ErrCodeStore, e.Op, e.ID, e.Version, e.Adapter, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// CompensationFailure is returned when reverting acknowledged strong writes
// failed. The named adapters need manual reconciliation.
type CompensationFailure struct {
	ID      string
	Version int64

	// Cause is the strong write failure that triggered compensation.
	Cause error

	// Failures are the restores that did not succeed.
	Failures []*StoreError
}

// Code returns ErrCodeCompensationFailure.
func (e *CompensationFailure) Code() ErrorCode { return ErrCodeCompensationFailure }

// Adapters names the adapters left holding the uncommitted version.
func (e *CompensationFailure) Adapters() []string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Adapter
	}
	return names
}

func (e *CompensationFailure) Error() string {
	return fmt.Sprintf("%s: %s v%d left on [%s] after: %v",
		ErrCodeCompensationFailure, e.ID, e.Version, strings.Join(e.Adapters(), ", "), e.Cause)
}

func (e *CompensationFailure) Unwrap() error { return e.Cause }

// IsStoreError returns true if err is or wraps a *StoreError.
// A CompensationFailure wraps its cause, so check IsCompensationFailure first
// when the distinction matters.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// IsCompensationFailure returns true if err is or wraps a *CompensationFailure.
func IsCompensationFailure(err error) bool {
	var cf *CompensationFailure
	return errors.As(err, &cf)
}
