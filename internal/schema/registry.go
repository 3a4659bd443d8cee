package schema

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/balanced/balanced/internal/document"
)

// BodyDefinition is the definition every schema source must declare.
const BodyDefinition = "#Body"

// Schema is a published structural contract for document bodies.
type Schema struct {
	Ref    string
	Source string

	body cue.Value
}

// Registry holds published schemas keyed by schema_ref.
type Registry struct {
	mu      sync.Mutex // guards ctx and every cue.Value derived from it
	ctx     *cue.Context
	schemas map[string]*Schema
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]*Schema),
	}
}

// Publish compiles source and registers it under ref.
// Republishing identical source is a no-op.
func (r *Registry) Publish(ref, source string) error {
	if ref == "" {
		return fmt.Errorf("schema: empty schema_ref")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.schemas[ref]; ok {
		if existing.Source == source {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrImmutable, ref)
	}

	v := r.ctx.CompileString(source, cue.Filename(ref+".cue"))
	if err := v.Err(); err != nil {
		return fmt.Errorf("schema %s: %w", ref, err)
	}

	body := v.LookupPath(cue.ParsePath(BodyDefinition))
	if !body.Exists() {
		return fmt.Errorf("%w: %s", ErrNoBody, ref)
	}
	if err := body.Validate(); err != nil {
		return fmt.Errorf("schema %s: %w", ref, err)
	}

	r.schemas[ref] = &Schema{Ref: ref, Source: source, body: body}
	return nil
}

// Lookup returns the schema published under ref.
func (r *Registry) Lookup(ref string) (*Schema, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemas[ref]
	return s, ok
}

// Refs returns all published schema refs in sorted order.
func (r *Registry) Refs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs := make([]string, 0, len(r.schemas))
	for ref := range r.schemas {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Validate checks body against the schema published under ref.
// It returns nil, a *ValidationError, or an error wrapping ErrUnknownSchema.
func (r *Registry) Validate(body document.Object, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schemas[ref]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSchema, ref)
	}

	var input any = map[string]any{}
	if body != nil {
		input = document.ToAny(body)
	}

	v := r.ctx.Encode(input)
	if err := v.Err(); err != nil {
		return &ValidationError{SchemaRef: ref, Reason: err.Error(), Violations: []Violation{{Reason: err.Error()}}}
	}

	unified := s.body.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return newValidationError(ref, err)
	}
	return nil
}

// newValidationError flattens CUE errors into sorted, deduplicated violations.
func newValidationError(ref string, err error) *ValidationError {
	var violations []Violation
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		violations = append(violations, Violation{
			FieldPath: fieldPath(e.Path()),
			Reason:    fmt.Sprintf(format, args...),
		})
	}
	if len(violations) == 0 {
		violations = []Violation{{Reason: err.Error()}}
	}

	slices.SortFunc(violations, func(a, b Violation) int {
		if c := strings.Compare(a.FieldPath, b.FieldPath); c != 0 {
			return c
		}
		return strings.Compare(a.Reason, b.Reason)
	})
	violations = slices.Compact(violations)

	return &ValidationError{
		SchemaRef:  ref,
		FieldPath:  violations[0].FieldPath,
		Reason:     violations[0].Reason,
		Violations: violations,
	}
}

// fieldPath drops leading definition selectors so paths are relative to the body.
func fieldPath(path []string) string {
	for len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	return strings.Join(path, ".")
}
