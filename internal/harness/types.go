package harness

import "encoding/json"

// StepTrace is what one flow step produced.
type StepTrace struct {
	RequestID  string   `json:"request_id"`
	Kind       string   `json:"kind"`
	DocumentID string   `json:"document_id"`
	States     []string `json:"states"`
	Outcome    string   `json:"outcome"`
	Code       string   `json:"code,omitempty"`
	Version    int64    `json:"version,omitempty"`

	// Reason carries error text; it is left out of golden traces.
	Reason string `json:"-"`
}

// QueuedItem is a reconciliation item captured after the flow.
type QueuedItem struct {
	Adapter  string `json:"adapter"`
	ID       string `json:"id"`
	Version  int64  `json:"version"`
	Op       string `json:"op"`
	Attempts int    `json:"attempts"`
}

// StoredRecord is one record in an adapter's final state.
type StoredRecord struct {
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	Deleted bool            `json:"deleted,omitempty"`
	Body    json.RawMessage `json:"body"`
}

// StoreState is an adapter's final contents, sorted by id.
type StoreState struct {
	Adapter string         `json:"adapter"`
	Records []StoredRecord `json:"records"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Steps  []StepTrace  `json:"steps"`
	Queued []QueuedItem `json:"queued"`
	Stores []StoreState `json:"stores"`
	Errors []string     `json:"errors,omitempty"`

	calls map[string]map[string]int
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepTrace{},
		Queued: []QueuedItem{},
		Stores: []StoreState{},
		Errors: []string{},
		calls:  make(map[string]map[string]int),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Store returns the final state of adapter.
func (r *Result) Store(adapter string) (StoreState, bool) {
	for _, s := range r.Stores {
		if s.Adapter == adapter {
			return s, true
		}
	}
	return StoreState{}, false
}
