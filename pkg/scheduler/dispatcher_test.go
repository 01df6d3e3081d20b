package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitchvision/detectd/pkg/models"
	"github.com/pitchvision/detectd/pkg/provider"
	"github.com/pitchvision/detectd/pkg/retry"
	"github.com/pitchvision/detectd/pkg/store"
)

// scriptedBackend serves canned status/results per remote id
type scriptedBackend struct {
	mu      sync.Mutex
	status  map[string]*provider.RemoteStatus
	results map[string][]models.DetectionResult
	cancels []string
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		status:  make(map[string]*provider.RemoteStatus),
		results: make(map[string][]models.DetectionResult),
	}
}

func (b *scriptedBackend) setStatus(remoteID string, s *provider.RemoteStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status[remoteID] = s
}

func (b *scriptedBackend) Submit(ctx context.Context, cfg models.ModelConfig, req *models.DetectionRequest) (string, error) {
	return "", nil
}

func (b *scriptedBackend) Status(ctx context.Context, cfg models.ModelConfig, remoteID string) (*provider.RemoteStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.status[remoteID]; ok {
		return s, nil
	}
	return &provider.RemoteStatus{State: provider.RemoteRunning}, nil
}

func (b *scriptedBackend) Results(ctx context.Context, cfg models.ModelConfig, remoteID string) ([]models.DetectionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.results[remoteID], nil
}

func (b *scriptedBackend) Cancel(ctx context.Context, cfg models.ModelConfig, remoteID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, remoteID)
	return nil
}

func fastConfig() Config {
	return Config{
		MaxConcurrent: 1,
		CheckInterval: 10 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		MaxProcessing: time.Hour,
		RetryPolicy:   retry.Policy{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
	}
}

func storedJob(id string, priority models.Priority, created time.Time) *models.Job {
	return &models.Job{
		ID:        id,
		Status:    models.JobStatusQueued,
		Priority:  priority,
		OwnerID:   "owner-1",
		CreatedAt: created,
		RemoteID:  "remote-" + id,
		ModelUsed: models.ModelConfig{Provider: models.ProviderRoboflow, ModelID: "football-v3"},
	}
}

// waitFor polls pred until it holds or the deadline expires
func waitFor(t *testing.T, pred func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// With capacity for one job, the high-priority submission is
// dispatched before older normal ones.
func TestDispatcherPriorityOrder(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	base := time.Now()
	st.CreateJob(storedJob("n1", models.PriorityNormal, base))
	st.CreateJob(storedJob("n2", models.PriorityNormal, base.Add(time.Millisecond)))
	st.CreateJob(storedJob("h1", models.PriorityHigh, base.Add(2*time.Millisecond)))

	d := NewDispatcher(st, newScriptedBackend(), fastConfig(), nil)
	d.Start()
	defer d.Stop()

	waitFor(t, func() bool {
		job, err := st.GetJob("h1")
		return err == nil && job.Status == models.JobStatusProcessing
	}, "high priority job was not dispatched")

	// Capacity is one, so the normal jobs are still queued
	for _, id := range []string{"n1", "n2"} {
		job, _ := st.GetJob(id)
		if job.Status != models.JobStatusQueued {
			t.Errorf("job %s status = %s, want queued", id, job.Status)
		}
	}
}

func TestDispatcherCompletesJob(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	backend := newScriptedBackend()
	backend.setStatus("remote-j1", &provider.RemoteStatus{State: provider.RemoteRunning, Progress: 40})
	backend.results["remote-j1"] = []models.DetectionResult{
		{FrameIndex: 0, Detections: []models.Detection{{Class: models.ClassPlayer}}},
		{FrameIndex: 1, Detections: []models.Detection{{Class: models.ClassBall}}},
	}

	st.CreateJob(storedJob("j1", models.PriorityNormal, time.Now()))

	d := NewDispatcher(st, backend, fastConfig(), nil)
	d.Start()
	defer d.Stop()

	waitFor(t, func() bool {
		job, err := st.GetJob("j1")
		return err == nil && job.Status == models.JobStatusProcessing && job.Progress == 40
	}, "progress was not recorded")

	backend.setStatus("remote-j1", &provider.RemoteStatus{State: provider.RemoteCompleted, Progress: 100})

	waitFor(t, func() bool {
		job, err := st.GetJob("j1")
		return err == nil && job.Status == models.JobStatusCompleted
	}, "job did not complete")

	job, _ := st.GetJob("j1")
	if len(job.Results) != 2 || job.Progress != 100 {
		t.Errorf("completion not recorded: progress=%d results=%d", job.Progress, len(job.Results))
	}
}

func TestDispatcherRecordsBackendFailure(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	backend := newScriptedBackend()
	backend.setStatus("remote-j1", &provider.RemoteStatus{State: provider.RemoteFailed, Error: "gpu quota exceeded"})

	st.CreateJob(storedJob("j1", models.PriorityNormal, time.Now()))

	d := NewDispatcher(st, backend, fastConfig(), nil)
	d.Start()
	defer d.Stop()

	waitFor(t, func() bool {
		job, err := st.GetJob("j1")
		return err == nil && job.Status == models.JobStatusFailed
	}, "job did not fail")

	job, _ := st.GetJob("j1")
	if job.ErrorMessage != "gpu quota exceeded" {
		t.Errorf("error message = %q, want backend error", job.ErrorMessage)
	}
}

// A job cancelled while queued is never dispatched; its status stays
// cancelled and no progress is ever recorded.
func TestDispatcherSkipsCancelledJob(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	st.CreateJob(storedJob("j1", models.PriorityNormal, time.Now()))
	if _, err := st.CancelJob("j1", "cancelled by owner"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	d := NewDispatcher(st, newScriptedBackend(), fastConfig(), nil)
	d.Start()
	time.Sleep(100 * time.Millisecond)
	d.Stop()

	job, _ := st.GetJob("j1")
	if job.Status != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
	if job.Progress != 0 {
		t.Errorf("progress = %d, want 0", job.Progress)
	}
}

// A cancelled processing job triggers a best-effort backend cancel.
func TestDispatcherForwardsCancellation(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	backend := newScriptedBackend()
	st.CreateJob(storedJob("j1", models.PriorityNormal, time.Now()))

	d := NewDispatcher(st, backend, fastConfig(), nil)
	d.Start()
	defer d.Stop()

	waitFor(t, func() bool {
		job, err := st.GetJob("j1")
		return err == nil && job.Status == models.JobStatusProcessing
	}, "job was not dispatched")

	if _, err := st.CancelJob("j1", "cancelled by owner"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	waitFor(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.cancels) > 0
	}, "backend cancel was not attempted")
}

func TestDispatcherFailsStaleJobs(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	st.CreateJob(storedJob("j1", models.PriorityNormal, time.Now()))
	if _, err := st.TransitionJob("j1", models.JobStatusProcessing, ""); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	cfg := fastConfig()
	cfg.MaxProcessing = time.Nanosecond // everything is immediately stale

	d := NewDispatcher(st, newScriptedBackend(), cfg, nil)
	d.Start()
	defer d.Stop()

	waitFor(t, func() bool {
		job, err := st.GetJob("j1")
		return err == nil && job.Status == models.JobStatusFailed
	}, "stale job was not failed")
}

// captureRecorder captures schedule and poll outcomes
type captureRecorder struct {
	mu       sync.Mutex
	attempts []string
	polls    []string
}

func (r *captureRecorder) RecordScheduleAttempt(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, result)
}

func (r *captureRecorder) RecordBackendPoll(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls = append(r.polls, outcome)
}

func (r *captureRecorder) has(list *[]string, value string) func() bool {
	return func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, v := range *list {
			if v == value {
				return true
			}
		}
		return false
	}
}

func TestDispatcherRecordsOutcomes(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	backend := newScriptedBackend()
	backend.setStatus("remote-j1", &provider.RemoteStatus{State: provider.RemoteRunning, Progress: 10})
	st.CreateJob(storedJob("j1", models.PriorityNormal, time.Now()))

	recorder := &captureRecorder{}
	d := NewDispatcher(st, backend, fastConfig(), nil)
	d.SetScheduleRecorder(recorder)
	d.Start()
	defer d.Stop()

	waitFor(t, recorder.has(&recorder.attempts, "success"), "dispatch was not recorded")
	waitFor(t, recorder.has(&recorder.polls, "ok"), "backend poll was not recorded")
}

// Jobs left processing by a previous run against a persistent store are
// watched again on startup instead of waiting for the stale reaper.
func TestDispatcherAdoptsProcessingJobs(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	backend := newScriptedBackend()
	backend.setStatus("remote-j1", &provider.RemoteStatus{State: provider.RemoteCompleted, Progress: 100})
	backend.results["remote-j1"] = []models.DetectionResult{
		{FrameIndex: 0, Detections: []models.Detection{{Class: models.ClassPlayer}}},
	}

	st.CreateJob(storedJob("j1", models.PriorityNormal, time.Now()))
	if _, err := st.TransitionJob("j1", models.JobStatusProcessing, ""); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	// A long check interval keeps the dispatch loop out of the picture
	cfg := fastConfig()
	cfg.CheckInterval = time.Hour

	d := NewDispatcher(st, backend, cfg, nil)
	d.Start()
	defer d.Stop()

	waitFor(t, func() bool {
		job, err := st.GetJob("j1")
		return err == nil && job.Status == models.JobStatusCompleted
	}, "adopted job did not complete")

	job, _ := st.GetJob("j1")
	if len(job.Results) != 1 {
		t.Errorf("results = %d, want 1", len(job.Results))
	}
}
