package scheduler

import (
	"sort"
	"time"

	"github.com/pitchvision/detectd/pkg/models"
)

// PriorityWeight returns the numeric weight for a priority level
func PriorityWeight(priority models.Priority) int {
	switch priority {
	case models.PriorityHigh:
		return 3
	case models.PriorityNormal:
		return 2
	case models.PriorityLow:
		return 1
	default:
		return 2 // Default to normal
	}
}

// EffectiveWeight returns a job's weight including the aging boost:
// a queued job waiting longer than boostAfter gains one level, so
// sustained high-priority load cannot starve low-priority jobs
// forever. boostAfter <= 0 disables aging.
func EffectiveWeight(job *models.Job, now time.Time, boostAfter time.Duration) int {
	weight := PriorityWeight(job.Priority)
	if boostAfter > 0 && now.Sub(job.CreatedAt) > boostAfter {
		weight++
	}
	if max := PriorityWeight(models.PriorityHigh); weight > max {
		weight = max
	}
	return weight
}

// SortJobsByPriority orders jobs for dispatch: higher effective weight
// first, FIFO by creation time within the same weight
func SortJobsByPriority(jobs []*models.Job, now time.Time, boostAfter time.Duration) []*models.Job {
	if len(jobs) == 0 {
		return jobs
	}

	sorted := make([]*models.Job, len(jobs))
	copy(sorted, jobs)

	sort.Slice(sorted, func(i, j int) bool {
		wi := EffectiveWeight(sorted[i], now, boostAfter)
		wj := EffectiveWeight(sorted[j], now, boostAfter)
		if wi != wj {
			return wi > wj
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	return sorted
}
