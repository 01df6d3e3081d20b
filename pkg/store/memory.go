package store

import (
	"sync"
	"time"

	"github.com/pitchvision/detectd/pkg/models"
)

// MemoryStore is an in-memory implementation of the job store
type MemoryStore struct {
	jobs   map[string]*models.Job
	mu     sync.RWMutex
	notify *notifier
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*models.Job),
		notify: newNotifier(),
	}
}

// CreateJob adds a new job to the store
func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	s.jobs[job.ID] = job.Clone()
	snapshot := job.Clone()
	s.mu.Unlock()

	s.notify.publish(snapshot)
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// GetAllJobs returns all jobs
func (s *MemoryStore) GetAllJobs() []*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Clone())
	}
	return jobs
}

// GetJobsByOwner returns all jobs submitted by ownerID
func (s *MemoryStore) GetJobsByOwner(ownerID string) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0)
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			jobs = append(jobs, job.Clone())
		}
	}
	return jobs, nil
}

// DeleteJob removes a job from the store
func (s *MemoryStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// UpdateJobProgress updates progress for a processing job.
// Progress is kept non-decreasing: lower values are ignored.
func (s *MemoryStore) UpdateJobProgress(id string, progress int) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != models.JobStatusProcessing || progress <= job.Progress {
		s.mu.Unlock()
		return nil
	}
	if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	snapshot := job.Clone()
	s.mu.Unlock()

	s.notify.publish(snapshot)
	return nil
}

// SetEstimatedCompletion records the scheduler's completion estimate
func (s *MemoryStore) SetEstimatedCompletion(id string, eta time.Time) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	job.EstimatedCompletion = &eta
	snapshot := job.Clone()
	s.mu.Unlock()

	s.notify.publish(snapshot)
	return nil
}

// TransitionJob performs a validated state transition
func (s *MemoryStore) TransitionJob(id string, to models.JobStatus, reason string) (*models.Job, error) {
	return s.transition(id, to, reason, nil)
}

// CompleteJob records results and moves the job to completed atomically
func (s *MemoryStore) CompleteJob(id string, results []models.DetectionResult) (*models.Job, error) {
	return s.transition(id, models.JobStatusCompleted, "backend reported completion", results)
}

// FailJob records the backend error and moves the job to failed
func (s *MemoryStore) FailJob(id string, errorMsg string) (*models.Job, error) {
	return s.transition(id, models.JobStatusFailed, errorMsg, nil)
}

func (s *MemoryStore) transition(id string, to models.JobStatus, reason string, results []models.DetectionResult) (*models.Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrJobNotFound
	}

	if err := models.ValidateTransition(job.Status, to); err != nil {
		s.mu.Unlock()
		return nil, wrapInvalidTransition(err)
	}

	applyTransition(job, to, reason, results)
	snapshot := job.Clone()
	s.mu.Unlock()

	s.notify.publish(snapshot)
	return snapshot, nil
}

// CancelJob moves a non-terminal job to cancelled; returns false
// without mutation when the job is already terminal
func (s *MemoryStore) CancelJob(id string, reason string) (bool, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false, ErrJobNotFound
	}
	if models.IsTerminalState(job.Status) {
		s.mu.Unlock()
		return false, nil
	}

	applyTransition(job, models.JobStatusCancelled, reason, nil)
	snapshot := job.Clone()
	s.mu.Unlock()

	s.notify.publish(snapshot)
	return true, nil
}

// Subscribe registers an observer for one job id
func (s *MemoryStore) Subscribe(jobID string) (<-chan *models.Job, func()) {
	return s.notify.subscribe(jobID)
}

// Close releases all subscriptions
func (s *MemoryStore) Close() error {
	s.notify.closeAll()
	return nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}
