package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitchvision/detectd/pkg/logging"
	"github.com/pitchvision/detectd/pkg/models"
	"github.com/pitchvision/detectd/pkg/provider"
	"github.com/pitchvision/detectd/pkg/retry"
	"github.com/pitchvision/detectd/pkg/store"
)

// ScheduleRecorder receives dispatch outcomes for metrics
type ScheduleRecorder interface {
	RecordScheduleAttempt(result string)
}

// PollRecorder receives backend poll outcomes. Recorders that also
// implement it get one call per status poll.
type PollRecorder interface {
	RecordBackendPoll(outcome string)
}

// Config holds dispatcher tuning
type Config struct {
	MaxConcurrent int           // Bound on jobs watched at once
	CheckInterval time.Duration // How often the queue is examined
	PollInterval  time.Duration // How often a dispatched job's backend is polled
	MaxProcessing time.Duration // Processing jobs older than this are forcibly failed
	BoostAfter    time.Duration // Queued wait after which priority is boosted one level
	RetryPolicy   retry.Policy  // Backoff for transient backend poll errors
}

// DefaultConfig returns dispatcher defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		CheckInterval: 5 * time.Second,
		PollInterval:  5 * time.Second,
		MaxProcessing: 30 * time.Minute,
		BoostAfter:    10 * time.Minute,
		RetryPolicy:   retry.DefaultPolicy(),
	}
}

// Dispatcher runs the scheduler/backend-update path: it picks queued
// jobs in priority order when capacity is available, marks them
// processing and follows the chosen backend until a terminal state.
// It is the only writer of status/progress/results; cancellation is
// the one other accepted mutation and only pre-terminal.
type Dispatcher struct {
	store    store.Store
	backend  provider.Backend
	cfg      Config
	log      *logging.Logger
	recorder ScheduleRecorder

	sem    chan struct{}
	stopCh chan struct{}
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given store and backend
func NewDispatcher(st store.Store, backend provider.Backend, cfg Config, logger *logging.Logger) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:   st,
		backend: backend,
		cfg:     cfg,
		log:     logger.WithField("component", "dispatcher"),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetScheduleRecorder sets the metrics recorder
func (d *Dispatcher) SetScheduleRecorder(r ScheduleRecorder) {
	d.recorder = r
}

// Start begins the background dispatch loop
func (d *Dispatcher) Start() {
	d.log.Info("Dispatcher started", map[string]interface{}{
		"max_concurrent": d.cfg.MaxConcurrent,
		"check_interval": d.cfg.CheckInterval.String(),
	})
	d.adoptProcessing()
	d.wg.Add(1)
	go d.run()
}

// adoptProcessing re-attaches watch loops to jobs a previous run left
// in processing against a persistent store, so a finished backend run
// is picked up instead of waiting for the stale reaper.
func (d *Dispatcher) adoptProcessing() {
	for _, job := range d.store.GetAllJobs() {
		if job.Status != models.JobStatusProcessing {
			continue
		}
		select {
		case d.sem <- struct{}{}:
		default:
			// Over capacity, which only happens when MaxConcurrent
			// shrank across restarts; the reaper covers the rest
			d.log.Warn("No capacity to re-adopt processing job", map[string]interface{}{"job_id": job.ID})
			return
		}
		d.log.Info("Re-adopted processing job", map[string]interface{}{"job_id": job.ID})
		d.wg.Add(1)
		go d.watchJob(job)
	}
}

// Stop halts dispatching and waits for in-flight watch loops to exit
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.cancel()
	d.wg.Wait()
	d.log.Info("Dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.dispatchReady()
			d.failStaleJobs()
		case <-d.stopCh:
			return
		}
	}
}

// dispatchReady moves head-of-queue jobs to processing while backend
// capacity is available
func (d *Dispatcher) dispatchReady() {
	for {
		select {
		case d.sem <- struct{}{}:
		default:
			return // at capacity
		}

		job := d.nextQueuedJob()
		if job == nil {
			<-d.sem
			d.recordAttempt("no_jobs")
			return
		}

		started, err := d.store.TransitionJob(job.ID, models.JobStatusProcessing, "scheduler dispatch")
		if err != nil {
			// Lost the race with a cancellation; release and look again
			<-d.sem
			if !errors.Is(err, store.ErrInvalidTransition) {
				d.log.Error("Failed to dispatch job", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
				d.recordAttempt("error")
				return
			}
			continue
		}
		d.recordAttempt("success")

		d.estimateCompletion(started)
		d.log.Info("Job dispatched", map[string]interface{}{
			"job_id":   started.ID,
			"provider": string(started.ModelUsed.Provider),
		})

		d.wg.Add(1)
		go d.watchJob(started)
	}
}

func (d *Dispatcher) nextQueuedJob() *models.Job {
	var queued []*models.Job
	for _, job := range d.store.GetAllJobs() {
		if job.Status == models.JobStatusQueued || job.Status == models.JobStatusPending {
			queued = append(queued, job)
		}
	}
	if len(queued) == 0 {
		return nil
	}
	return SortJobsByPriority(queued, time.Now(), d.cfg.BoostAfter)[0]
}

func (d *Dispatcher) estimateCompletion(job *models.Job) {
	stats := ComputeStats(d.store.GetAllJobs())
	if stats.AvgProcessing <= 0 {
		return
	}
	eta := time.Now().Add(stats.AvgProcessing)
	if err := d.store.SetEstimatedCompletion(job.ID, eta); err != nil {
		d.log.Warn("Failed to set estimated completion", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
	}
}

// failStaleJobs forcibly fails processing jobs older than MaxProcessing
func (d *Dispatcher) failStaleJobs() {
	if d.cfg.MaxProcessing <= 0 {
		return
	}

	now := time.Now()
	for _, job := range d.store.GetAllJobs() {
		if job.Status != models.JobStatusProcessing || job.StartedAt == nil {
			continue
		}
		if job.StartedAt.Add(d.cfg.MaxProcessing).Before(now) {
			d.log.Warn("Job is stale, marking as failed", map[string]interface{}{
				"job_id":     job.ID,
				"processing": now.Sub(*job.StartedAt).String(),
			})
			if _, err := d.store.FailJob(job.ID, "job exceeded maximum processing duration"); err != nil &&
				!errors.Is(err, store.ErrInvalidTransition) {
				d.log.Error("Failed to fail stale job", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
			}
		}
	}
}

// watchJob follows one dispatched job's backend until it reaches a
// terminal state. Polls are sequential per job, so a slow backend
// never piles up concurrent status requests.
func (d *Dispatcher) watchJob(job *models.Job) {
	defer d.wg.Done()
	defer func() { <-d.sem }()

	log := d.log.WithField("job_id", job.ID)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := d.store.GetJob(job.ID)
		if err != nil {
			log.Warn("Job disappeared from store", map[string]interface{}{"error": err.Error()})
			return
		}
		if models.IsTerminalState(current.Status) {
			if current.Status == models.JobStatusCancelled {
				// Advisory only: the remote computation may keep running
				if err := d.backend.Cancel(d.ctx, current.ModelUsed, current.RemoteID); err != nil {
					log.Debug("Backend cancel failed", map[string]interface{}{"error": err.Error()})
				}
			}
			return
		}

		if done := d.pollOnce(current, log); done {
			return
		}
	}
}

// pollOnce reads backend status for one job and applies the update.
// Returns true when watching should stop.
func (d *Dispatcher) pollOnce(job *models.Job, log *logging.Logger) bool {
	var status *provider.RemoteStatus
	var permErr error
	err := retry.Do(d.ctx, d.cfg.RetryPolicy, func() error {
		s, err := d.backend.Status(d.ctx, job.ModelUsed, job.RemoteID)
		if err != nil {
			if retry.IsRetryable(err) {
				return err
			}
			// Don't burn retries on a permanent error
			permErr = err
			return nil
		}
		status = s
		return nil
	})
	if err == nil && permErr != nil {
		err = permErr
	}
	if err != nil {
		// Transport trouble doesn't fail the job; the stale reaper
		// catches backends that never come back
		d.recordPoll("error")
		log.Warn("Backend status poll failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	d.recordPoll("ok")

	switch status.State {
	case provider.RemoteRunning:
		if err := d.store.UpdateJobProgress(job.ID, status.Progress); err != nil {
			log.Warn("Failed to update progress", map[string]interface{}{"error": err.Error()})
		}
		return false

	case provider.RemoteFailed:
		msg := status.Error
		if msg == "" {
			msg = "backend reported failure"
		}
		if _, err := d.store.FailJob(job.ID, msg); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			log.Error("Failed to record job failure", map[string]interface{}{"error": err.Error()})
		}
		return true

	case provider.RemoteCompleted:
		return d.completeJob(job, log)

	default:
		log.Warn("Unknown backend state", map[string]interface{}{"state": string(status.State)})
		return false
	}
}

func (d *Dispatcher) completeJob(job *models.Job, log *logging.Logger) bool {
	var results []models.DetectionResult
	err := retry.Do(d.ctx, d.cfg.RetryPolicy, func() error {
		r, err := d.backend.Results(d.ctx, job.ModelUsed, job.RemoteID)
		if err != nil {
			return err
		}
		results = r
		return nil
	})
	if err != nil {
		if _, ferr := d.store.FailJob(job.ID, "failed to fetch results: "+err.Error()); ferr != nil &&
			!errors.Is(ferr, store.ErrInvalidTransition) {
			log.Error("Failed to record job failure", map[string]interface{}{"error": ferr.Error()})
		}
		return true
	}

	if _, err := d.store.CompleteJob(job.ID, results); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			log.Error("Failed to complete job", map[string]interface{}{"error": err.Error()})
		}
		return true
	}
	log.Info("Job completed", map[string]interface{}{"frames": len(results)})
	return true
}

func (d *Dispatcher) recordAttempt(result string) {
	if d.recorder != nil {
		d.recorder.RecordScheduleAttempt(result)
	}
}

func (d *Dispatcher) recordPoll(outcome string) {
	if pr, ok := d.recorder.(PollRecorder); ok {
		pr.RecordBackendPoll(outcome)
	}
}
