package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusProcessing: true, // Queued → Processing (scheduler dispatch)
		JobStatusCancelled:  true, // Queued → Cancelled (owner cancels)
	},
	JobStatusProcessing: {
		JobStatusCompleted: true, // Processing → Completed (backend reports success)
		JobStatusFailed:    true, // Processing → Failed (backend reports error)
		JobStatusCancelled: true, // Processing → Cancelled (owner cancels)
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	from = normalizeState(from)
	to = normalizeState(to)

	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// normalizeState maps the legacy pending state onto queued
func normalizeState(state JobStatus) JobStatus {
	if state == JobStatusPending {
		return JobStatusQueued
	}
	return state
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	state = normalizeState(state)
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCancelled
}

// StatusRank orders states for monotonic delivery checks:
// queued < processing < terminal.
func StatusRank(state JobStatus) int {
	switch normalizeState(state) {
	case JobStatusQueued:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return 2
	default:
		return -1
	}
}
