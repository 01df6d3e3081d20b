package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a detection job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending" // legacy alias of queued (synchronous-submission variant)
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Priority represents scheduling priority for a job
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Job represents a tracked unit of asynchronous detection work
type Job struct {
	ID                  string            `json:"id"`
	Status              JobStatus         `json:"status"`
	Priority            Priority          `json:"priority"`
	Config              DetectionRequest  `json:"config"`
	Progress            int               `json:"progress"` // 0-100%
	ErrorMessage        string            `json:"error_message,omitempty"`
	Results             []DetectionResult `json:"results,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time        `json:"estimated_completion,omitempty"`
	OwnerID             string            `json:"owner_id"`

	// ModelUsed is the fallback-chain candidate that accepted the
	// submission; recorded for traceability and immutable afterwards.
	ModelUsed ModelConfig `json:"model_used"`

	// RemoteID is the backend-issued identifier for the submission.
	RemoteID string `json:"remote_id,omitempty"`

	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Clone returns a deep copy of the job. Store implementations hand out
// clones so observers never share mutable state with the writer path.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.EstimatedCompletion != nil {
		t := *j.EstimatedCompletion
		c.EstimatedCompletion = &t
	}
	if j.Results != nil {
		c.Results = make([]DetectionResult, len(j.Results))
		copy(c.Results, j.Results)
	}
	if j.StateTransitions != nil {
		c.StateTransitions = make([]StateTransition, len(j.StateTransitions))
		copy(c.StateTransitions, j.StateTransitions)
	}
	return &c
}
