package harness

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/balanced/balanced/internal/document"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Steps    []StepTrace
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Steps) > 0 {
		fmt.Fprintf(&buf, "\nSteps:\n")
		for _, s := range e.Steps {
			fmt.Fprintf(&buf, "  %s %s %s: %s %s\n", s.RequestID, s.Kind, s.DocumentID, strings.Join(s.States, " -> "), s.Code)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertRecord:
		return assertRecord(result, a)
	case AssertAbsent:
		return assertAbsent(result, a)
	case AssertStates:
		return assertStates(result, a)
	case AssertQueued:
		return assertQueued(result, a)
	case AssertCalls:
		return assertCalls(result, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func findRecord(result *Result, adapter, id string) (StoredRecord, bool, error) {
	state, ok := result.Store(adapter)
	if !ok {
		return StoredRecord{}, false, fmt.Errorf("unknown adapter %q", adapter)
	}
	for _, r := range state.Records {
		if r.ID == id {
			return r, true, nil
		}
	}
	return StoredRecord{}, false, nil
}

func assertRecord(result *Result, a Assertion) error {
	rec, found, err := findRecord(result, a.Adapter, a.ID)
	if err != nil {
		return err
	}
	if !found {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("%s holds %s", a.Adapter, a.ID),
			Actual:   "record not found",
			Steps:    result.Steps,
		}
	}

	if a.Version != 0 && rec.Version != a.Version {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("%s/%s at version %d", a.Adapter, a.ID, a.Version),
			Actual:   fmt.Sprintf("version %d", rec.Version),
			Steps:    result.Steps,
		}
	}
	if a.Deleted != nil && rec.Deleted != *a.Deleted {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("%s/%s deleted=%t", a.Adapter, a.ID, *a.Deleted),
			Actual:   fmt.Sprintf("deleted=%t", rec.Deleted),
			Steps:    result.Steps,
		}
	}

	if len(a.Body) > 0 {
		body, err := document.ParseObject(rec.Body)
		if err != nil {
			return fmt.Errorf("record body: %w", err)
		}
		actual, _ := document.ToAny(body).(map[string]any)
		for _, key := range sortedKeys(a.Body) {
			want, err := normalize(a.Body[key])
			if err != nil {
				return fmt.Errorf("body.%s: %w", key, err)
			}
			got, exists := actual[key]
			if !exists || !reflect.DeepEqual(want, got) {
				return &AssertionError{
					Type:     AssertRecord,
					Expected: fmt.Sprintf("%s/%s body.%s = %v", a.Adapter, a.ID, key, want),
					Actual:   fmt.Sprintf("body = %s", rec.Body),
					Steps:    result.Steps,
				}
			}
		}
	}
	return nil
}

func assertAbsent(result *Result, a Assertion) error {
	rec, found, err := findRecord(result, a.Adapter, a.ID)
	if err != nil {
		return err
	}
	if found {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: fmt.Sprintf("%s does not hold %s", a.Adapter, a.ID),
			Actual:   fmt.Sprintf("found at version %d", rec.Version),
			Steps:    result.Steps,
		}
	}
	return nil
}

func assertStates(result *Result, a Assertion) error {
	if a.Step >= len(result.Steps) {
		return fmt.Errorf("step %d was not executed", a.Step)
	}
	got := result.Steps[a.Step].States
	if !reflect.DeepEqual(a.States, got) {
		return &AssertionError{
			Type:     AssertStates,
			Expected: strings.Join(a.States, " -> "),
			Actual:   strings.Join(got, " -> "),
		}
	}
	return nil
}

func assertQueued(result *Result, a Assertion) error {
	for _, item := range result.Queued {
		if item.Adapter == a.Adapter && item.ID == a.ID && (a.Version == 0 || item.Version == a.Version) {
			return nil
		}
	}
	queued := make([]string, 0, len(result.Queued))
	for _, item := range result.Queued {
		queued = append(queued, fmt.Sprintf("%s/%s@%d", item.Adapter, item.ID, item.Version))
	}
	return &AssertionError{
		Type:     AssertQueued,
		Expected: fmt.Sprintf("reconciliation item %s/%s@%d", a.Adapter, a.ID, a.Version),
		Actual:   fmt.Sprintf("queued %v", queued),
	}
}

func assertCalls(result *Result, a Assertion) error {
	got := result.calls[a.Adapter][a.Op]
	if got != a.Count {
		return &AssertionError{
			Type:     AssertCalls,
			Expected: fmt.Sprintf("%d %s calls on %s", a.Count, a.Op, a.Adapter),
			Actual:   fmt.Sprintf("%d calls", got),
		}
	}
	return nil
}

// normalize converts a YAML value to the shape document.ToAny produces.
func normalize(v any) (any, error) {
	val, err := document.FromAny(v)
	if err != nil {
		return nil, err
	}
	return document.ToAny(val), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
