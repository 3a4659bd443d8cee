package dispatch

// State is a step of the per-request state machine:
//
//	Received -> Validated -> Patched -> Propagating -> Committed
//
// Rejected is reached from Received, Validated or Patched; Failed from
// Propagating, or from Received when the current document cannot be read.
// Only the terminal state is visible to the caller.
type State int

const (
	StateReceived State = iota + 1
	StateValidated
	StatePatched
	StatePropagating
	StateCommitted
	StateRejected
	StateFailed
)

var stateNames = map[State]string{
	StateReceived:    "received",
	StateValidated:   "validated",
	StatePatched:     "patched",
	StatePropagating: "propagating",
	StateCommitted:   "committed",
	StateRejected:    "rejected",
	StateFailed:      "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal reports whether s ends the request.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRejected || s == StateFailed
}

var transitions = map[State][]State{
	StateReceived:    {StateValidated, StateRejected, StateFailed},
	StateValidated:   {StatePatched, StateRejected},
	StatePatched:     {StatePropagating, StateRejected},
	StatePropagating: {StateCommitted, StateFailed, StateRejected},
}

// CanTransition reports whether from -> to is a legal step.
// Propagating -> Rejected covers a version conflict detected by the primary
// store before anything was written.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
