package status

import (
	"context"
	"time"

	"github.com/pitchvision/detectd/pkg/models"
)

// JobReader reads point-in-time job snapshots. The poller works
// against any reader, including ones backed by the HTTP API.
type JobReader interface {
	GetJob(id string) (*models.Job, error)
}

// JobSource is the slice of the job store the push path needs
type JobSource interface {
	JobReader
	Subscribe(jobID string) (<-chan *models.Job, func())
}

// Handler receives job snapshots. A given handler is never invoked
// concurrently with itself; delivery is serialized per watch.
type Handler func(*models.Job)

// Poller surfaces job state changes to a caller by fixed-interval
// status reads until a terminal state is reached.
type Poller struct {
	source   JobReader
	interval time.Duration

	// StopOnError halts polling on a transport error instead of
	// surfacing it and continuing. The job itself is never mutated by
	// a poll failure either way.
	StopOnError bool

	// OnError receives transport errors from individual polls
	OnError func(error)
}

// NewPoller creates a poller reading from source every interval
func NewPoller(source JobReader, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		source:   source,
		interval: interval,
	}
}

// Watch polls the job until it is terminal, invoking handler for every
// observed change. Reads happen inline on the timer goroutine, so a
// slow read naturally absorbs its tick instead of stacking requests.
// Delivery is monotonic: a snapshot older than the last delivered one
// is never handed to the handler. The timer is released before return.
func (p *Poller) Watch(ctx context.Context, jobID string, handler Handler) (*models.Job, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	lastRank := -1
	lastProgress := -1

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		job, err := p.source.GetJob(jobID)
		if err != nil {
			if p.OnError != nil {
				p.OnError(err)
			}
			if p.StopOnError {
				return nil, err
			}
			continue
		}

		rank := models.StatusRank(job.Status)
		if rank < lastRank || (rank == lastRank && job.Progress < lastProgress) {
			continue // stale read, never deliver backwards
		}
		lastRank = rank
		lastProgress = job.Progress

		if handler != nil {
			handler(job)
		}
		if models.IsTerminalState(job.Status) {
			return job, nil
		}
	}
}

// WatchChanges follows a job through the store's change-notification
// channel until it is terminal, invoking handler once per committed
// update. The subscription is always released on return. The current
// state is delivered first, so a job that is already terminal returns
// immediately.
func WatchChanges(ctx context.Context, source JobSource, jobID string, handler Handler) (*models.Job, error) {
	updates, unsubscribe := source.Subscribe(jobID)
	defer unsubscribe()

	// Deliver the state as of subscription; writes from here on arrive
	// on the channel.
	job, err := source.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if handler != nil {
		handler(job)
	}
	if models.IsTerminalState(job.Status) {
		return job, nil
	}

	lastRank := models.StatusRank(job.Status)
	lastProgress := job.Progress

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil, context.Canceled
			}
			rank := models.StatusRank(update.Status)
			if rank < lastRank || (rank == lastRank && update.Progress < lastProgress) {
				continue
			}
			lastRank = rank
			lastProgress = update.Progress

			if handler != nil {
				handler(update)
			}
			if models.IsTerminalState(update.Status) {
				return update, nil
			}
		}
	}
}
