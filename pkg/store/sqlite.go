package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pitchvision/detectd/pkg/models"
)

// SQLiteStore is a SQLite-backed implementation of the job store
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	notify *notifier
}

// NewSQLiteStore creates a new SQLite store.
// WAL with a busy timeout keeps concurrent readers off the single
// writer's back; writes themselves are serialized via the mutex and
// a one-connection pool to avoid SQLITE_BUSY.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteStore{db: db, notify: newNotifier()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		config TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		results TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		estimated_completion DATETIME,
		model_used TEXT NOT NULL,
		remote_id TEXT,
		state_transitions TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_priority_created ON jobs(priority, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

const sqliteJobColumns = `id, owner_id, status, priority, config, progress, error_message, results,
	created_at, started_at, completed_at, estimated_completion, model_used, remote_id, state_transitions`

// CreateJob inserts a new job row
func (s *SQLiteStore) CreateJob(job *models.Job) error {
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
		INSERT INTO jobs (`+sqliteJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJobRow(row rowScanner) (*models.Job, error) {
	var job models.Job
	var status, priority string
	var configJSON, modelJSON string
	var errorMessage, resultsJSON, remoteID, transitionsJSON sql.NullString
	var startedAt, completedAt, estimatedCompletion sql.NullTime

	err := row.Scan(&job.ID, &job.OwnerID, &status, &priority, &configJSON, &job.Progress,
		&errorMessage, &resultsJSON, &job.CreatedAt, &startedAt, &completedAt,
		&estimatedCompletion, &modelJSON, &remoteID, &transitionsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	job.Priority = models.Priority(priority)
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}
	if remoteID.Valid {
		job.RemoteID = remoteID.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if estimatedCompletion.Valid {
		job.EstimatedCompletion = &estimatedCompletion.Time
	}

	if err := json.Unmarshal([]byte(configJSON), &job.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := json.Unmarshal([]byte(modelJSON), &job.ModelUsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model_used: %w", err)
	}
	if resultsJSON.Valid && resultsJSON.String != "" && resultsJSON.String != "null" {
		if err := json.Unmarshal([]byte(resultsJSON.String), &job.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal results: %w", err)
		}
	}
	if transitionsJSON.Valid && transitionsJSON.String != "" && transitionsJSON.String != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON.String), &job.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state_transitions: %w", err)
		}
	}

	return &job, nil
}

func marshalResults(results []models.DetectionResult) (string, error) {
	if results == nil {
		return "", nil
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("failed to marshal results: %w", err)
	}
	return string(data), nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJobRow(row)
}

// GetAllJobs returns all jobs
func (s *SQLiteStore) GetAllJobs() []*models.Job {
	rows, err := s.db.Query(`SELECT ` + sqliteJobColumns + ` FROM jobs ORDER BY created_at`)
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
func (s *SQLiteStore) GetJobsByOwner(ownerID string) ([]*models.Job, error) {
	rows, err := s.db.Query(`SELECT `+sqliteJobColumns+` FROM jobs WHERE owner_id = ? ORDER BY created_at`, ownerID)
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
func (s *SQLiteStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
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
func (s *SQLiteStore) UpdateJobProgress(id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if progress > 100 {
		progress = 100
	}
	res, err := s.db.Exec(`
		UPDATE jobs SET progress = ?
		WHERE id = ? AND status = ? AND progress < ?
	`, progress, id, string(models.JobStatusProcessing), progress)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown, not processing, or a stale (lower) value
		if _, err := s.GetJob(id); err != nil {
			return err
		}
		return nil
	}

	s.publishJob(id)
	return nil
}

// SetEstimatedCompletion records the scheduler's completion estimate
func (s *SQLiteStore) SetEstimatedCompletion(id string, eta time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE jobs SET estimated_completion = ? WHERE id = ?`, eta, id)
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
func (s *SQLiteStore) TransitionJob(id string, to models.JobStatus, reason string) (*models.Job, error) {
	return s.transition(id, to, reason, nil)
}

// CompleteJob records results and moves the job to completed atomically
func (s *SQLiteStore) CompleteJob(id string, results []models.DetectionResult) (*models.Job, error) {
	return s.transition(id, models.JobStatusCompleted, "backend reported completion", results)
}

// FailJob records the backend error and moves the job to failed
func (s *SQLiteStore) FailJob(id string, errorMsg string) (*models.Job, error) {
	return s.transition(id, models.JobStatusFailed, errorMsg, nil)
}

func (s *SQLiteStore) transition(id string, to models.JobStatus, reason string, results []models.DetectionResult) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateTransition(job.Status, to); err != nil {
		return nil, wrapInvalidTransition(err)
	}

	applyTransition(job, to, reason, results)
	if err := s.writeTransitioned(job); err != nil {
		return nil, err
	}

	s.notify.publish(job.Clone())
	return job, nil
}

// CancelJob moves a non-terminal job to cancelled; returns false
// without mutation when the job is already terminal
func (s *SQLiteStore) CancelJob(id string, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.GetJob(id)
	if err != nil {
		return false, err
	}
	if models.IsTerminalState(job.Status) {
		return false, nil
	}

	applyTransition(job, models.JobStatusCancelled, reason, nil)
	if err := s.writeTransitioned(job); err != nil {
		return false, err
	}

	s.notify.publish(job.Clone())
	return true, nil
}

func (s *SQLiteStore) writeTransitioned(job *models.Job) error {
	resultsJSON, err := marshalResults(job.Results)
	if err != nil {
		return err
	}
	transitionsJSON, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE jobs
		SET status = ?, progress = ?, error_message = ?, results = ?,
		    started_at = ?, completed_at = ?, state_transitions = ?
		WHERE id = ?
	`, string(job.Status), job.Progress, job.ErrorMessage, resultsJSON,
		job.StartedAt, job.CompletedAt, string(transitionsJSON), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) publishJob(id string) {
	job, err := s.GetJob(id)
	if err != nil {
		return
	}
	s.notify.publish(job)
}

// Subscribe registers an observer for one job id
func (s *SQLiteStore) Subscribe(jobID string) (<-chan *models.Job, func()) {
	return s.notify.subscribe(jobID)
}

// Close releases subscriptions and the database handle
func (s *SQLiteStore) Close() error {
	s.notify.closeAll()
	return s.db.Close()
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}
