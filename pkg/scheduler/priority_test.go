package scheduler

import (
	"testing"
	"time"

	"github.com/pitchvision/detectd/pkg/models"
)

func queuedJob(id string, priority models.Priority, created time.Time) *models.Job {
	return &models.Job{
		ID:        id,
		Status:    models.JobStatusQueued,
		Priority:  priority,
		CreatedAt: created,
	}
}

func TestPriorityWeight(t *testing.T) {
	if PriorityWeight(models.PriorityHigh) <= PriorityWeight(models.PriorityNormal) {
		t.Error("high must outweigh normal")
	}
	if PriorityWeight(models.PriorityNormal) <= PriorityWeight(models.PriorityLow) {
		t.Error("normal must outweigh low")
	}
	if PriorityWeight(models.Priority("")) != PriorityWeight(models.PriorityNormal) {
		t.Error("missing priority should default to normal")
	}
}

// Three jobs submitted in order normal, normal, high: the high job is
// first in dispatch order.
func TestSortJobsByPriorityHighFirst(t *testing.T) {
	base := time.Now()
	jobs := []*models.Job{
		queuedJob("n1", models.PriorityNormal, base),
		queuedJob("n2", models.PriorityNormal, base.Add(time.Second)),
		queuedJob("h1", models.PriorityHigh, base.Add(2*time.Second)),
	}

	sorted := SortJobsByPriority(jobs, time.Now(), 0)
	if sorted[0].ID != "h1" {
		t.Errorf("first job = %s, want h1", sorted[0].ID)
	}
	// FIFO within the same priority
	if sorted[1].ID != "n1" || sorted[2].ID != "n2" {
		t.Errorf("normal jobs out of arrival order: %s, %s", sorted[1].ID, sorted[2].ID)
	}
}

func TestSortJobsByPriorityAging(t *testing.T) {
	now := time.Now()
	boostAfter := 10 * time.Minute

	old := queuedJob("old-low", models.PriorityLow, now.Add(-15*time.Minute))
	fresh := queuedJob("fresh-normal", models.PriorityNormal, now)

	// The boosted low job ties with normal and wins on arrival time
	sorted := SortJobsByPriority([]*models.Job{fresh, old}, now, boostAfter)
	if sorted[0].ID != "old-low" {
		t.Errorf("aged low job should dispatch before fresh normal, got %s first", sorted[0].ID)
	}

	// Aging never lifts anything above high
	oldHigh := queuedJob("old-high", models.PriorityHigh, now.Add(-time.Hour))
	if EffectiveWeight(oldHigh, now, boostAfter) != PriorityWeight(models.PriorityHigh) {
		t.Error("aging must cap at high priority")
	}

	// Disabled aging leaves weights untouched
	if EffectiveWeight(old, now, 0) != PriorityWeight(models.PriorityLow) {
		t.Error("boostAfter=0 should disable aging")
	}
}

func TestComputeStats(t *testing.T) {
	started := time.Now().Add(-10 * time.Minute)
	doneA := started.Add(2 * time.Minute)
	doneB := started.Add(4 * time.Minute)

	jobs := []*models.Job{
		queuedJob("q1", models.PriorityNormal, time.Now()),
		queuedJob("q2", models.PriorityLow, time.Now()),
		{ID: "p1", Status: models.JobStatusProcessing},
		{ID: "c1", Status: models.JobStatusCompleted, StartedAt: &started, CompletedAt: &doneA},
		{ID: "c2", Status: models.JobStatusCompleted, StartedAt: &started, CompletedAt: &doneB},
		{ID: "f1", Status: models.JobStatusFailed},
	}

	stats := ComputeStats(jobs)
	if stats.QueueLength != 2 {
		t.Errorf("QueueLength = %d, want 2", stats.QueueLength)
	}
	if stats.ActiveJobs != 1 {
		t.Errorf("ActiveJobs = %d, want 1", stats.ActiveJobs)
	}
	if stats.AvgProcessing != 3*time.Minute {
		t.Errorf("AvgProcessing = %s, want 3m", stats.AvgProcessing)
	}
	if stats.CountsByStatus[models.JobStatusFailed] != 1 {
		t.Errorf("failed count = %d, want 1", stats.CountsByStatus[models.JobStatusFailed])
	}
}

func TestEstimateWait(t *testing.T) {
	started := time.Now().Add(-10 * time.Minute)
	done := started.Add(2 * time.Minute)
	now := time.Now()

	jobs := []*models.Job{
		queuedJob("q-high", models.PriorityHigh, now),
		queuedJob("q-normal", models.PriorityNormal, now),
		queuedJob("q-low", models.PriorityLow, now),
		{ID: "c1", Status: models.JobStatusCompleted, StartedAt: &started, CompletedAt: &done},
	}

	// A normal submission waits behind the high and normal queued jobs
	wait := EstimateWait(jobs, models.PriorityNormal, now, 0)
	if wait != 2*2*time.Minute {
		t.Errorf("wait = %s, want 4m", wait)
	}

	// Nothing completed yet: estimate clamps to zero rather than guessing
	if wait := EstimateWait(jobs[:3], models.PriorityLow, now, 0); wait != 0 {
		t.Errorf("wait without history = %s, want 0", wait)
	}
}
