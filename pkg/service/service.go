package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitchvision/detectd/pkg/auth"
	"github.com/pitchvision/detectd/pkg/logging"
	"github.com/pitchvision/detectd/pkg/models"
	"github.com/pitchvision/detectd/pkg/provider"
	"github.com/pitchvision/detectd/pkg/results"
	"github.com/pitchvision/detectd/pkg/status"
	"github.com/pitchvision/detectd/pkg/store"
)

var (
	// ErrInvalidRequest is returned when a submission fails validation
	ErrInvalidRequest = errors.New("invalid detection request")
	// ErrNotOwner is returned when a caller touches a job it does not own
	ErrNotOwner = errors.New("job does not belong to caller")
	// ErrJobNotTerminal is returned when deleting a job that is still live
	ErrJobNotTerminal = errors.New("job is not in a terminal state")
)

// Service is the submission facade: it validates requests, runs the
// provider fallback chain and owns the job lifecycle operations exposed
// to callers. Either a job is created in the store or the caller gets
// an error, never both.
type Service struct {
	store      store.Store
	chain      *provider.Chain
	aggregator *results.Aggregator
	logger     *logging.Logger
}

func New(st store.Store, chain *provider.Chain, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Service{
		store:      st,
		chain:      chain,
		aggregator: results.NewAggregator(st),
		logger:     logger.WithField("component", "service"),
	}
}

func validateRequest(req *models.DetectionRequest) error {
	if req == nil {
		return fmt.Errorf("%w: missing request body", ErrInvalidRequest)
	}
	if req.VideoURL == "" {
		return fmt.Errorf("%w: video_url is required", ErrInvalidRequest)
	}
	if !req.ModelConfig.Valid() {
		return fmt.Errorf("%w: model_config must name a known provider and model_id", ErrInvalidRequest)
	}
	if req.ConfidenceThreshold < 0 || req.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence_threshold must be within [0,1]", ErrInvalidRequest)
	}
	if req.FrameRate < 0 {
		return fmt.Errorf("%w: frame_rate must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Submit validates the request, runs the fallback chain and creates the
// job record. The job starts queued with progress 0; a missing priority
// defaults to normal. When every provider candidate fails the error
// wraps provider.ErrAllProvidersFailed and no job exists afterwards.
func (s *Service) Submit(ctx context.Context, req *models.DetectionRequest, ownerID string, priority models.Priority) (*models.Job, error) {
	if ownerID == "" {
		return nil, auth.ErrAuthenticationRequired
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	switch priority {
	case models.PriorityLow, models.PriorityNormal, models.PriorityHigh:
	case "":
		priority = models.PriorityNormal
	default:
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, priority)
	}

	submission, err := s.chain.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:        uuid.New().String(),
		Status:    models.JobStatusQueued,
		Priority:  priority,
		Config:    *req,
		Progress:  0,
		CreatedAt: time.Now(),
		OwnerID:   ownerID,
		ModelUsed: submission.Model,
		RemoteID:  submission.RemoteID,
	}

	if err := s.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}

	s.logger.Info("Job submitted", map[string]interface{}{
		"job_id":   job.ID,
		"owner":    ownerID,
		"provider": string(submission.Model.Provider),
		"priority": string(priority),
	})
	return job, nil
}

// Status returns the caller's view of a job
func (s *Service) Status(jobID, ownerID string) (*models.Job, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return job, nil
}

// Results returns ordered per-frame detections for a completed job.
// Non-completed jobs yield an empty slice.
func (s *Service) Results(jobID, ownerID string) ([]models.DetectionResult, error) {
	if _, err := s.Status(jobID, ownerID); err != nil {
		return nil, err
	}
	return s.aggregator.Results(jobID)
}

// Summary returns aggregate counts for a completed job
func (s *Service) Summary(jobID, ownerID string) (*results.Summary, error) {
	if _, err := s.Status(jobID, ownerID); err != nil {
		return nil, err
	}
	return s.aggregator.Summarize(jobID)
}

// Cancel moves an owned, non-terminal job to cancelled. It returns true
// exactly when this call performed the transition; a job already in a
// terminal state reports false without mutation. Cancellation is
// advisory toward the remote computation, which the dispatcher tells to
// stop on a best-effort basis.
func (s *Service) Cancel(jobID, ownerID string) (bool, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return false, err
	}
	if job.OwnerID != ownerID {
		return false, ErrNotOwner
	}

	cancelled, err := s.store.CancelJob(jobID, "cancelled by owner")
	if err != nil {
		return false, err
	}
	if cancelled {
		s.logger.Info("Job cancelled", map[string]interface{}{"job_id": jobID, "owner": ownerID})
	}
	return cancelled, nil
}

// WatchStatus follows an owned job through the store's change
// notifications until it is terminal, invoking handler once per
// committed update starting with the current state. It returns the
// final job, or ctx.Err() if the caller gives up first.
func (s *Service) WatchStatus(ctx context.Context, jobID, ownerID string, handler status.Handler) (*models.Job, error) {
	if _, err := s.Status(jobID, ownerID); err != nil {
		return nil, err
	}
	return status.WatchChanges(ctx, s.store, jobID, handler)
}

// Jobs lists the caller's jobs
func (s *Service) Jobs(ownerID string) ([]*models.Job, error) {
	return s.store.GetJobsByOwner(ownerID)
}

// Delete removes an owned terminal job record. Live jobs must be
// cancelled first.
func (s *Service) Delete(jobID, ownerID string) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.OwnerID != ownerID {
		return ErrNotOwner
	}
	if !models.IsTerminalState(job.Status) {
		return ErrJobNotTerminal
	}
	return s.store.DeleteJob(jobID)
}
