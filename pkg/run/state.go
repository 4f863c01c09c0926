package run

// State is the client-side lifecycle state of a Job.
type State string

const (
	StateUnsubmitted State = "unsubmitted"
	StateSubmitted   State = "submitted"
	StatePolling     State = "polling"
	StateSubscribed  State = "subscribed"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCanceled    State = "canceled"
	StateTimedOut    State = "timed_out"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if the remote job reached a final state. A timed
// out wait is not terminal: the remote job keeps running and may be
// awaited again.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// ValidTransitions defines the allowed state transitions for Jobs.
var ValidTransitions = map[State][]State{
	StateUnsubmitted: {StateSubmitted},
	StateSubmitted:   {StatePolling, StateSubscribed, StateCompleted, StateFailed, StateCanceled},
	StatePolling:     {StateCompleted, StateFailed, StateCanceled, StateTimedOut},
	StateSubscribed:  {StateCompleted, StateFailed, StateCanceled, StateTimedOut},
	StateTimedOut:    {StatePolling, StateSubscribed, StateCompleted, StateFailed, StateCanceled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range ValidTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
