package scenario

import "time"

// State represents the current phase of a scenario run
type State string

const (
	// StateInit is the freshly created run
	StateInit State = "init"
	// StatePreconditionCheck verifies baseline health and seeds the marker record
	StatePreconditionCheck State = "precondition_check"
	// StateFaultInjection issues the infrastructure fault
	StateFaultInjection State = "fault_injection"
	// StateDegradedValidation exercises the system while the fault is active
	StateDegradedValidation State = "degraded_validation"
	// StateRecovery reverses the fault and waits for readiness
	StateRecovery State = "recovery"
	// StatePostValidation re-reads the marker record after recovery
	StatePostValidation State = "post_validation"
	// StatePassed is the terminal success state
	StatePassed State = "passed"
	// StateFailed is the terminal failure state
	StateFailed State = "failed"
)

// IsValid returns true if the state is a known scenario state
func (s State) IsValid() bool {
	switch s {
	case StateInit, StatePreconditionCheck, StateFaultInjection, StateDegradedValidation,
		StateRecovery, StatePostValidation, StatePassed, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the state ends the run
func (s State) IsTerminal() bool {
	return s == StatePassed || s == StateFailed
}

// CanTransitionTo checks if a transition from the current state to the
// target state is valid. Every non-terminal state may short-circuit to
// Failed; forward progress is strictly ordered.
func (s State) CanTransitionTo(target State) bool {
	if target == StateFailed {
		return !s.IsTerminal()
	}
	switch s {
	case StateInit:
		return target == StatePreconditionCheck
	case StatePreconditionCheck:
		return target == StateFaultInjection
	case StateFaultInjection:
		return target == StateDegradedValidation
	case StateDegradedValidation:
		return target == StateRecovery
	case StateRecovery:
		return target == StatePostValidation
	case StatePostValidation:
		return target == StatePassed
	default:
		return false
	}
}

// Transition records one state change of a scenario run
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
}

// TransitionMatrix returns the valid transition targets per state,
// useful for diagnostics and tests
func TransitionMatrix() map[State][]State {
	states := []State{
		StateInit, StatePreconditionCheck, StateFaultInjection, StateDegradedValidation,
		StateRecovery, StatePostValidation, StatePassed, StateFailed,
	}

	matrix := make(map[State][]State)
	for _, from := range states {
		targets := make([]State, 0)
		for _, to := range states {
			if from.CanTransitionTo(to) {
				targets = append(targets, to)
			}
		}
		matrix[from] = targets
	}
	return matrix
}
