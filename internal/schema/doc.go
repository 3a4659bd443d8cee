// Package schema validates document bodies against published CUE schemas.
//
// A schema is a CUE source that defines a closed #Body definition:
//
//	#Body: {
//		amount!:   int & >=0
//		currency!: "USD" | "EUR"
//		memo?:     string & =~"^[ -~]*$"
//	}
//
// Validation unifies the body with #Body and requires a concrete result, so
// unknown fields, missing required fields, type mismatches, enum membership,
// ranges and patterns are all reported as a ValidationError.
//
// Schemas are immutable once published. Publishing the same source under the
// same ref again is a no-op; publishing a different source returns
// ErrImmutable.
//
// The Registry is safe for concurrent use. The CUE context is guarded by a
// mutex held only for CPU work; Validate never performs I/O.
package schema
