package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/balanced/balanced/internal/store"
	"github.com/balanced/balanced/internal/store/memstore"
)

// Scenario is one conformance test.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Schemas maps a schema_ref to a .cue file or inline CUE source.
	Schemas map[string]string `yaml:"schemas"`

	// Adapters are planned in the listed order.
	Adapters []AdapterSpec `yaml:"adapters"`

	// Retry is the best-effort attempt count. Default 2.
	Retry int `yaml:"retry,omitempty"`

	Seed []SeedRecord `yaml:"seed,omitempty"`
	Flow []FlowStep   `yaml:"flow"`

	// Reconcile drains the reconciliation queue after the flow.
	Reconcile bool `yaml:"reconcile,omitempty"`

	Assertions []Assertion `yaml:"assertions"`
}

// AdapterSpec declares an in-memory adapter.
type AdapterSpec struct {
	Name        string `yaml:"name"`
	Consistency string `yaml:"consistency"`
	When        string `yaml:"when,omitempty"`
}

// SeedRecord is stored before the flow starts.
type SeedRecord struct {
	// Adapters defaults to every strong adapter.
	Adapters  []string       `yaml:"adapters,omitempty"`
	ID        string         `yaml:"id"`
	Version   int64          `yaml:"version"`
	SchemaRef string         `yaml:"schema_ref"`
	Body      map[string]any `yaml:"body"`
	Deleted   bool           `yaml:"deleted,omitempty"`
}

// FlowStep sends one request.
type FlowStep struct {
	Request RequestSpec `yaml:"request"`

	// Faults are installed before the request and cleared after it.
	Faults []FaultSpec `yaml:"faults,omitempty"`

	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// RequestSpec mirrors dispatch.Request in YAML.
type RequestSpec struct {
	Kind            string           `yaml:"kind"`
	DocumentID      string           `yaml:"document_id"`
	SchemaRef       string           `yaml:"schema_ref,omitempty"`
	Body            map[string]any   `yaml:"body,omitempty"`
	Ops             []map[string]any `yaml:"ops,omitempty"`
	ExpectedVersion int64            `yaml:"expected_version"`
}

// FaultSpec injects a failure into one adapter operation.
type FaultSpec struct {
	Adapter string `yaml:"adapter"`
	// Op is read, write, delete_marker or restore.
	Op string `yaml:"op"`
	// Times limits the failing calls; 0 fails every call.
	Times      int  `yaml:"times,omitempty"`
	AfterApply bool `yaml:"after_apply,omitempty"`
	// Stale reports store.ErrStale instead of an injected error.
	Stale bool `yaml:"stale,omitempty"`
}

// ExpectClause checks a step's Result. Empty fields are not checked.
type ExpectClause struct {
	Outcome string `yaml:"outcome"`
	Code    string `yaml:"code,omitempty"`
	Version int64  `yaml:"version,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	Type string `yaml:"type"`

	Adapter string `yaml:"adapter,omitempty"`
	ID      string `yaml:"id,omitempty"`

	// record
	Version int64          `yaml:"version,omitempty"`
	Deleted *bool          `yaml:"deleted,omitempty"`
	Body    map[string]any `yaml:"body,omitempty"`

	// states
	Step   int      `yaml:"step,omitempty"`
	States []string `yaml:"states,omitempty"`

	// calls
	Op    string `yaml:"op,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRecord = "record"
	AssertAbsent = "absent"
	AssertStates = "states"
	AssertQueued = "queued"
	AssertCalls  = "calls"
)

var faultOps = map[string]memstore.Op{
	string(memstore.OpRead):         memstore.OpRead,
	string(memstore.OpWrite):        memstore.OpWrite,
	string(memstore.OpDeleteMarker): memstore.OpDeleteMarker,
	string(memstore.OpRestore):      memstore.OpRestore,
}

// LoadScenario reads a scenario file. Schema paths are resolved relative to
// the file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	for ref, src := range scenario.Schemas {
		if strings.HasSuffix(src, ".cue") && !filepath.IsAbs(src) {
			scenario.Schemas[ref] = filepath.Join(base, src)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files directly under dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario files in %s", dir)
	}
	return paths, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Adapters) == 0 {
		return errors.New("adapters list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return errors.New("flow list is required and must be non-empty")
	}

	adapters := make(map[string]bool, len(s.Adapters))
	for i, a := range s.Adapters {
		if a.Name == "" {
			return fmt.Errorf("adapters[%d]: name is required", i)
		}
		if adapters[a.Name] {
			return fmt.Errorf("adapters[%d]: duplicate name %q", i, a.Name)
		}
		if _, err := store.ParseConsistency(a.Consistency); err != nil {
			return fmt.Errorf("adapters[%d]: %w", i, err)
		}
		adapters[a.Name] = true
	}
	known := func(where, name string) error {
		if !adapters[name] {
			return fmt.Errorf("%s: unknown adapter %q", where, name)
		}
		return nil
	}

	for ref, src := range s.Schemas {
		if strings.HasSuffix(src, ".cue") {
			if _, err := os.Stat(src); err != nil {
				return fmt.Errorf("schema %s: %w", ref, err)
			}
		}
	}

	for i, seed := range s.Seed {
		if seed.ID == "" || seed.Version < 1 {
			return fmt.Errorf("seed[%d]: id and a positive version are required", i)
		}
		for _, name := range seed.Adapters {
			if err := known(fmt.Sprintf("seed[%d]", i), name); err != nil {
				return err
			}
		}
	}

	for i, step := range s.Flow {
		if step.Request.Kind == "" {
			return fmt.Errorf("flow[%d]: request.kind is required", i)
		}
		for j, f := range step.Faults {
			where := fmt.Sprintf("flow[%d].faults[%d]", i, j)
			if err := known(where, f.Adapter); err != nil {
				return err
			}
			if _, ok := faultOps[f.Op]; !ok {
				return fmt.Errorf("%s: unknown op %q", where, f.Op)
			}
		}
		if step.Expect != nil && step.Expect.Outcome == "" {
			return fmt.Errorf("flow[%d].expect: outcome is required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, len(s.Flow), known); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion, steps int, known func(string, string) error) error {
	where := fmt.Sprintf("assertions[%d]", index)
	switch a.Type {
	case AssertRecord, AssertAbsent, AssertQueued:
		if a.ID == "" {
			return fmt.Errorf("%s: %s assertion requires id", where, a.Type)
		}
		return known(where, a.Adapter)
	case AssertStates:
		if a.Step < 0 || a.Step >= steps {
			return fmt.Errorf("%s: step %d out of range", where, a.Step)
		}
		if len(a.States) == 0 {
			return fmt.Errorf("%s: states assertion requires states", where)
		}
	case AssertCalls:
		if _, ok := faultOps[a.Op]; !ok {
			return fmt.Errorf("%s: unknown op %q", where, a.Op)
		}
		return known(where, a.Adapter)
	case "":
		return fmt.Errorf("%s: type is required", where)
	default:
		return fmt.Errorf("%s: unknown assertion type %q", where, a.Type)
	}
	return nil
}
