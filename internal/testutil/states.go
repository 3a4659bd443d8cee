package testutil

import (
	"sync"

	"github.com/balanced/balanced/internal/dispatch"
)

// StateRecorder collects the states each request passes through.
// Its Observe method is a dispatch.Observer.
//
// Thread-safety: safe for concurrent requests.
type StateRecorder struct {
	mu     sync.Mutex
	states map[string][]dispatch.State
}

// NewStateRecorder creates an empty recorder.
func NewStateRecorder() *StateRecorder {
	return &StateRecorder{states: make(map[string][]dispatch.State)}
}

// Observe records that requestID entered s.
func (r *StateRecorder) Observe(requestID string, s dispatch.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[requestID] = append(r.states[requestID], s)
}

// States returns the state names recorded for requestID, in order.
func (r *StateRecorder) States(requestID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.states[requestID]))
	for _, s := range r.states[requestID] {
		out = append(out, s.String())
	}
	return out
}

// Requests returns how many distinct requests were observed.
func (r *StateRecorder) Requests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}
