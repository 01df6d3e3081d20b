package scheduler

import (
	"time"

	"github.com/pitchvision/detectd/pkg/models"
)

// QueueStats aggregates scheduling statistics over all known jobs
type QueueStats struct {
	CountsByStatus map[models.JobStatus]int `json:"counts_by_status"`
	QueueLength    int                      `json:"queue_length"`
	ActiveJobs     int                      `json:"active_jobs"`

	// AvgProcessing is the mean of completedAt - startedAt over
	// completed jobs; zero when nothing has completed yet.
	AvgProcessing time.Duration `json:"avg_processing_ns"`
}

// ComputeStats derives queue statistics from a job snapshot
func ComputeStats(jobs []*models.Job) *QueueStats {
	stats := &QueueStats{
		CountsByStatus: make(map[models.JobStatus]int),
	}

	var totalProcessing time.Duration
	var completed int
	for _, job := range jobs {
		stats.CountsByStatus[job.Status]++
		switch job.Status {
		case models.JobStatusQueued, models.JobStatusPending:
			stats.QueueLength++
		case models.JobStatusProcessing:
			stats.ActiveJobs++
		case models.JobStatusCompleted:
			if job.StartedAt != nil && job.CompletedAt != nil {
				totalProcessing += job.CompletedAt.Sub(*job.StartedAt)
				completed++
			}
		}
	}

	if completed > 0 {
		stats.AvgProcessing = totalProcessing / time.Duration(completed)
	}
	return stats
}

// EstimateWait estimates the queue wait for a new job at the given
// priority: (queued jobs ahead in effective order) x (mean processing
// time), clamped to a non-negative value.
func EstimateWait(jobs []*models.Job, priority models.Priority, now time.Time, boostAfter time.Duration) time.Duration {
	stats := ComputeStats(jobs)
	weight := PriorityWeight(priority)

	ahead := 0
	for _, job := range jobs {
		if job.Status != models.JobStatusQueued && job.Status != models.JobStatusPending {
			continue
		}
		// Same effective weight counts as ahead: FIFO within a level
		if EffectiveWeight(job, now, boostAfter) >= weight {
			ahead++
		}
	}

	wait := time.Duration(ahead) * stats.AvgProcessing
	if wait < 0 {
		wait = 0
	}
	return wait
}
