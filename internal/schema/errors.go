package schema

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownSchema is returned when a schema_ref has not been published.
	ErrUnknownSchema = errors.New("schema: unknown schema_ref")

	// ErrImmutable is returned when a published schema_ref is republished with
	// a different source.
	ErrImmutable = errors.New("schema: published schemas are immutable")

	// ErrNoBody is returned when a schema source does not define #Body.
	ErrNoBody = errors.New("schema: source must define #Body")
)

// Violation is one failed constraint at a body field path.
type Violation struct {
	FieldPath string `json:"field_path"`
	Reason    string `json:"reason"`
}

// ValidationError reports that a body does not satisfy its schema.
// FieldPath and Reason describe the first violation in sorted order;
// Violations holds all of them.
type ValidationError struct {
	SchemaRef  string
	FieldPath  string
	Reason     string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "validation failed for %s", e.SchemaRef)
	if e.FieldPath != "" {
		fmt.Fprintf(&b, " at %s", e.FieldPath)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	if extra := len(e.Violations) - 1; extra > 0 {
		fmt.Fprintf(&b, " (and %d more)", extra)
	}
	return b.String()
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
