// Package domain defines the settlement pipeline's core types and state machine.
package domain

import "fmt"

// ActivityState represents the settlement status of an activity.
type ActivityState string

const (
	StateReceived  ActivityState = "received"
	StateValidated ActivityState = "validated"
	StateSubmitted ActivityState = "submitted"
	StateConfirmed ActivityState = "confirmed"
	StateRejected  ActivityState = "rejected"
	StateFailed    ActivityState = "failed"
)

var allowedTransitions = map[ActivityState][]ActivityState{
	StateReceived:  {StateValidated, StateRejected},
	StateValidated: {StateSubmitted},
	StateSubmitted: {StateSubmitted, StateConfirmed, StateFailed},
	// operator re-trigger of a retryable failure
	StateFailed: {StateSubmitted},
}

// CanTransition reports whether moving from one state to another is permitted.
func CanTransition(from, to ActivityState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrIllegalTransition when the move is not allowed.
func ValidateTransition(from, to ActivityState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Terminal reports whether no further automatic progress happens from the state.
func (s ActivityState) Terminal() bool {
	switch s {
	case StateConfirmed, StateRejected, StateFailed:
		return true
	}
	return false
}

// InFlight lists the states that startup recovery must pick up again.
func InFlight() []ActivityState {
	return []ActivityState{StateReceived, StateValidated, StateSubmitted}
}

// UserStatus maps the internal state onto the status exposed to end users.
// Retry mechanics stay hidden: anything not finished is "pending".
func UserStatus(a Activity) string {
	switch a.State {
	case StateRejected:
		return "rejected — " + a.RejectionReason
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed — contact support"
	default:
		return "pending"
	}
}
