package store

import (
	"errors"
	"time"

	"github.com/pitchvision/detectd/pkg/models"
)

var (
	// ErrJobNotFound is returned when a job id is unknown to the store
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when an update would move a job
	// out of a terminal state or otherwise violate the state machine
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrUnsupportedDatabase is returned by NewStore for unknown types
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// Store defines the interface for job persistence.
// All mutations to a single job id are linearized by the store, and
// every committed write is published to that job's subscribers.
type Store interface {
	// Job operations
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	GetAllJobs() []*models.Job
	GetJobsByOwner(ownerID string) ([]*models.Job, error)
	DeleteJob(id string) error

	// Writer-path mutations (scheduler/backend only)
	UpdateJobProgress(id string, progress int) error
	SetEstimatedCompletion(id string, eta time.Time) error
	TransitionJob(id string, to models.JobStatus, reason string) (*models.Job, error)
	CompleteJob(id string, results []models.DetectionResult) (*models.Job, error)
	FailJob(id string, errorMsg string) (*models.Job, error)

	// CancelJob moves a non-terminal job to cancelled and stamps
	// CompletedAt. It returns false without mutation when the job is
	// already terminal. Ownership is checked by the caller.
	CancelJob(id string, reason string) (bool, error)

	// Subscribe registers an observer for one job id. The returned
	// channel receives a snapshot after every committed write, delivered
	// one at a time and never out of status order. The returned func
	// releases the registration and must be called on teardown.
	Subscribe(jobID string) (<-chan *models.Job, func())

	// Lifecycle
	Close() error
	HealthCheck() error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "sqlite":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "detectd.db"
		}
		return NewSQLiteStore(path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}
