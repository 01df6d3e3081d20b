package store

import (
	"fmt"
	"time"

	"github.com/pitchvision/detectd/pkg/models"
)

// applyTransition mutates a job for a transition that already passed
// validation. Shared by every store implementation so all backends
// stamp the same fields.
func applyTransition(job *models.Job, to models.JobStatus, reason string, results []models.DetectionResult) {
	now := time.Now()
	from := job.Status

	job.Status = to
	if to == models.JobStatusProcessing {
		job.StartedAt = &now
	}
	if models.IsTerminalState(to) {
		job.CompletedAt = &now
	}
	if to == models.JobStatusFailed {
		job.ErrorMessage = reason
	}
	if to == models.JobStatusCompleted {
		job.Progress = 100
		job.Results = results
	}

	job.StateTransitions = append(job.StateTransitions, models.StateTransition{
		From:      from,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
}

func wrapInvalidTransition(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
}
