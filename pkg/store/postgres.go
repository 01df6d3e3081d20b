package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/pitchvision/detectd/pkg/models"
)

// PostgresStore is a PostgreSQL-backed implementation of the job store
type PostgresStore struct {
	db     *sql.DB
	mu     sync.Mutex
	notify *notifier
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &PostgresStore{db: db, notify: newNotifier()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		config JSONB NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		results JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		estimated_completion TIMESTAMPTZ,
		model_used JSONB NOT NULL,
		remote_id TEXT,
		state_transitions JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_priority_created ON jobs(priority, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateJob inserts a new job row
func (s *PostgresStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	modelJSON, err := json.Marshal(job.ModelUsed)
	if err != nil {
		return fmt.Errorf("failed to marshal model_used: %w", err)
	}
	resultsJSON, err := marshalResults(job.Results)
	if err != nil {
		return err
	}
	transitionsJSON, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, owner_id, status, priority, config, progress, error_message, results,
		                  created_at, started_at, completed_at, estimated_completion, model_used,
		                  remote_id, state_transitions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12, $13, $14, $15)
	`, job.ID, job.OwnerID, string(job.Status), string(job.Priority), string(configJSON),
		job.Progress, job.ErrorMessage, resultsJSON, job.CreatedAt, job.StartedAt,
		job.CompletedAt, job.EstimatedCompletion, string(modelJSON), job.RemoteID,
		string(transitionsJSON))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	s.notify.publish(job.Clone())
	return nil
}

const pgJobColumns = `id, owner_id, status, priority, config, progress, error_message, results,
	created_at, started_at, completed_at, estimated_completion, model_used, remote_id, state_transitions`

// GetJob retrieves a job by ID
func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJobRow(row)
}

// GetAllJobs returns all jobs
func (s *PostgresStore) GetAllJobs() []*models.Job {
	rows, err := s.db.Query(`SELECT ` + pgJobColumns + ` FROM jobs ORDER BY created_at`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// GetJobsByOwner returns all jobs submitted by ownerID
func (s *PostgresStore) GetJobsByOwner(ownerID string) ([]*models.Job, error) {
	rows, err := s.db.Query(`SELECT `+pgJobColumns+` FROM jobs WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job row
func (s *PostgresStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// UpdateJobProgress updates progress for a processing job.
// Progress is kept non-decreasing: lower values are ignored.
func (s *PostgresStore) UpdateJobProgress(id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if progress > 100 {
		progress = 100
	}
	res, err := s.db.Exec(`
		UPDATE jobs SET progress = $1
		WHERE id = $2 AND status = $3 AND progress < $1
	`, progress, id, string(models.JobStatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(id); err != nil {
			return err
		}
		return nil
	}

	s.publishJob(id)
	return nil
}

// SetEstimatedCompletion records the scheduler's completion estimate
func (s *PostgresStore) SetEstimatedCompletion(id string, eta time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE jobs SET estimated_completion = $1 WHERE id = $2`, eta, id)
	if err != nil {
		return fmt.Errorf("failed to set estimated completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}

	s.publishJob(id)
	return nil
}

// TransitionJob performs a validated state transition
func (s *PostgresStore) TransitionJob(id string, to models.JobStatus, reason string) (*models.Job, error) {
	return s.transition(id, to, reason, nil)
}

// CompleteJob records results and moves the job to completed atomically
func (s *PostgresStore) CompleteJob(id string, results []models.DetectionResult) (*models.Job, error) {
	return s.transition(id, models.JobStatusCompleted, "backend reported completion", results)
}

// FailJob records the backend error and moves the job to failed
func (s *PostgresStore) FailJob(id string, errorMsg string) (*models.Job, error) {
	return s.transition(id, models.JobStatusFailed, errorMsg, nil)
}

func (s *PostgresStore) transition(id string, to models.JobStatus, reason string, results []models.DetectionResult) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+pgJobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJobRow(row)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateTransition(job.Status, to); err != nil {
		return nil, wrapInvalidTransition(err)
	}

	applyTransition(job, to, reason, results)
	if err := writeTransitionedPg(tx, job); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.notify.publish(job.Clone())
	return job, nil
}

// CancelJob moves a non-terminal job to cancelled; returns false
// without mutation when the job is already terminal
func (s *PostgresStore) CancelJob(id string, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+pgJobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJobRow(row)
	if err != nil {
		return false, err
	}
	if models.IsTerminalState(job.Status) {
		return false, nil
	}

	applyTransition(job, models.JobStatusCancelled, reason, nil)
	if err := writeTransitionedPg(tx, job); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	s.notify.publish(job.Clone())
	return true, nil
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func writeTransitionedPg(e execer, job *models.Job) error {
	resultsJSON, err := marshalResults(job.Results)
	if err != nil {
		return err
	}
	transitionsJSON, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	_, err = e.Exec(`
		UPDATE jobs
		SET status = $1, progress = $2, error_message = $3, results = NULLIF($4, ''),
		    started_at = $5, completed_at = $6, state_transitions = $7
		WHERE id = $8
	`, string(job.Status), job.Progress, job.ErrorMessage, resultsJSON,
		job.StartedAt, job.CompletedAt, string(transitionsJSON), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (s *PostgresStore) publishJob(id string) {
	job, err := s.GetJob(id)
	if err != nil {
		return
	}
	s.notify.publish(job)
}

// Subscribe registers an observer for one job id
func (s *PostgresStore) Subscribe(jobID string) (<-chan *models.Job, func()) {
	return s.notify.subscribe(jobID)
}

// Close releases subscriptions and the database handle
func (s *PostgresStore) Close() error {
	s.notify.closeAll()
	return s.db.Close()
}

// HealthCheck verifies the database connection
func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}
