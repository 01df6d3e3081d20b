package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitchvision/detectd/pkg/models"
	"github.com/pitchvision/detectd/pkg/store"
)

// flappySource replays a scripted sequence of reads, including stale
// snapshots and transient errors
type flappySource struct {
	mu    sync.Mutex
	reads []readResult
	idx   int
}

type readResult struct {
	job *models.Job
	err error
}

func (f *flappySource) GetJob(id string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.reads[f.idx]
	if f.idx < len(f.reads)-1 {
		f.idx++
	}
	return r.job, r.err
}

func (f *flappySource) Subscribe(jobID string) (<-chan *models.Job, func()) {
	ch := make(chan *models.Job)
	close(ch)
	return ch, func() {}
}

func snapshot(status models.JobStatus, progress int) *models.Job {
	return &models.Job{ID: "job-1", Status: status, Progress: progress}
}

func TestPollerDeliversMonotonic(t *testing.T) {
	source := &flappySource{reads: []readResult{
		{job: snapshot(models.JobStatusQueued, 0)},
		{job: snapshot(models.JobStatusProcessing, 30)},
		{job: snapshot(models.JobStatusProcessing, 10)}, // stale read, must be dropped
		{job: snapshot(models.JobStatusProcessing, 60)},
		{job: snapshot(models.JobStatusCompleted, 100)},
	}}

	var seen []int
	lastRank := -1
	poller := NewPoller(source, time.Millisecond)
	final, err := poller.Watch(context.Background(), "job-1", func(job *models.Job) {
		rank := models.StatusRank(job.Status)
		if rank < lastRank {
			t.Errorf("status went backwards: %s", job.Status)
		}
		lastRank = rank
		seen = append(seen, job.Progress)
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if final.Status != models.JobStatusCompleted {
		t.Errorf("final status = %s, want completed", final.Status)
	}

	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Errorf("progress regressed in delivery: %v", seen)
		}
	}
}

func TestPollerSurfacesErrors(t *testing.T) {
	readErr := errors.New("connection refused")
	source := &flappySource{reads: []readResult{
		{err: readErr},
		{job: snapshot(models.JobStatusCompleted, 100)},
	}}

	// Default: errors are surfaced via OnError and polling continues
	var surfaced error
	poller := NewPoller(source, time.Millisecond)
	poller.OnError = func(err error) { surfaced = err }

	final, err := poller.Watch(context.Background(), "job-1", nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if final == nil || final.Status != models.JobStatusCompleted {
		t.Error("poller should survive a transient read error")
	}
	if !errors.Is(surfaced, readErr) {
		t.Errorf("OnError received %v, want %v", surfaced, readErr)
	}

	// StopOnError: the first failure ends the watch
	source = &flappySource{reads: []readResult{{err: readErr}}}
	poller = NewPoller(source, time.Millisecond)
	poller.StopOnError = true
	if _, err := poller.Watch(context.Background(), "job-1", nil); !errors.Is(err, readErr) {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestPollerHonorsContext(t *testing.T) {
	source := &flappySource{reads: []readResult{
		{job: snapshot(models.JobStatusProcessing, 10)},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	poller := NewPoller(source, time.Millisecond)
	_, err := poller.Watch(ctx, "job-1", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestWatchChangesFollowsJob(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	st.CreateJob(&models.Job{
		ID:        "job-1",
		Status:    models.JobStatusQueued,
		CreatedAt: time.Now(),
	})

	done := make(chan struct{})
	var statuses []models.JobStatus
	var mu sync.Mutex

	go func() {
		defer close(done)
		final, err := WatchChanges(context.Background(), st, "job-1", func(job *models.Job) {
			mu.Lock()
			statuses = append(statuses, job.Status)
			mu.Unlock()
		})
		if err != nil {
			t.Errorf("WatchChanges failed: %v", err)
			return
		}
		if final.Status != models.JobStatusCompleted {
			t.Errorf("final status = %s, want completed", final.Status)
		}
	}()

	// Give the watcher time to subscribe before writing
	time.Sleep(20 * time.Millisecond)
	if _, err := st.TransitionJob("job-1", models.JobStatusProcessing, ""); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if _, err := st.CompleteJob("job-1", nil); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) == 0 || statuses[0] != models.JobStatusQueued {
		t.Errorf("current state should be delivered first, got %v", statuses)
	}
	lastRank := -1
	for _, s := range statuses {
		rank := models.StatusRank(s)
		if rank < lastRank {
			t.Errorf("status order not monotonic: %v", statuses)
		}
		lastRank = rank
	}
}

func TestWatchChangesTerminalImmediately(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	st.CreateJob(&models.Job{ID: "job-1", Status: models.JobStatusQueued, CreatedAt: time.Now()})
	if _, err := st.CancelJob("job-1", "cancelled by owner"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	calls := 0
	final, err := WatchChanges(context.Background(), st, "job-1", func(*models.Job) { calls++ })
	if err != nil {
		t.Fatalf("WatchChanges failed: %v", err)
	}
	if final.Status != models.JobStatusCancelled {
		t.Errorf("final status = %s, want cancelled", final.Status)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}
