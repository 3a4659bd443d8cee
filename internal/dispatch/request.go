package dispatch

import (
	"fmt"

	"github.com/balanced/balanced/internal/document"
	"github.com/balanced/balanced/internal/patch"
)

// Kind is the mutation a Request asks for.
type Kind string

const (
	KindCreate Kind = "create"
	KindPatch  Kind = "patch"
	KindDelete Kind = "delete"
)

// Request is one inbound mutation.
//
// create carries SchemaRef and Body and must expect version 0.
// patch carries Ops against ExpectedVersion.
// delete tombstones the document at ExpectedVersion.
type Request struct {
	RequestID       string            `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	Kind            Kind              `json:"kind" yaml:"kind"`
	DocumentID      string            `json:"document_id" yaml:"document_id"`
	SchemaRef       string            `json:"schema_ref,omitempty" yaml:"schema_ref,omitempty"`
	Body            document.Object   `json:"body,omitempty" yaml:"-"`
	Ops             []patch.Operation `json:"ops,omitempty" yaml:"-"`
	ExpectedVersion int64             `json:"expected_version" yaml:"expected_version"`
}

func (r Request) validate() error {
	if r.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	switch r.Kind {
	case KindCreate:
		if r.SchemaRef == "" {
			return fmt.Errorf("create requires schema_ref")
		}
		if r.ExpectedVersion != 0 {
			return fmt.Errorf("create must expect version 0, got %d", r.ExpectedVersion)
		}
		if len(r.Ops) > 0 {
			return fmt.Errorf("create does not take ops")
		}
	case KindPatch:
		if r.Body != nil {
			return fmt.Errorf("patch does not take a body; use ops")
		}
	case KindDelete:
		if r.Body != nil || len(r.Ops) > 0 {
			return fmt.Errorf("delete takes neither body nor ops")
		}
	case "":
		return fmt.Errorf("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.ExpectedVersion < 0 {
		return fmt.Errorf("negative expected_version %d", r.ExpectedVersion)
	}
	return nil
}

// Outcome is the terminal state reported to the caller.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Code classifies a rejection or failure.
type Code string

const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeUnknownSchema       Code = "UNKNOWN_SCHEMA"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodePatch               Code = "PATCH_ERROR"
	CodeVersionConflict     Code = "VERSION_CONFLICT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeAlreadyExists       Code = "ALREADY_EXISTS"
	CodeDeleted             Code = "DOCUMENT_DELETED"
	CodeStore               Code = "STORE_ERROR"
	CodeCompensationFailure Code = "COMPENSATION_FAILURE"
	CodeCancelled           Code = "CANCELLED"
	CodeUnavailable         Code = "UNAVAILABLE"
)

// Result is the only thing a caller observes about a request.
//
// Version is the committed version on success and the current version when
// known on a rejection.
type Result struct {
	RequestID  string  `json:"request_id"`
	Outcome    Outcome `json:"outcome"`
	DocumentID string  `json:"document_id"`
	Version    int64   `json:"version,omitempty"`
	Code       Code    `json:"code,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	FieldPath  string  `json:"field_path,omitempty"`
	OpIndex    *int    `json:"op_index,omitempty"`
}

// Committed reports whether the mutation was committed.
func (r Result) Committed() bool { return r.Outcome == OutcomeCommitted }
