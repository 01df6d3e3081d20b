package store

import (
	"sync"

	"github.com/pitchvision/detectd/pkg/models"
)

// notifier fans committed job writes out to per-job subscribers.
// Each subscription is drained by a single goroutine, so a given
// observer never processes two updates concurrently. Stale snapshots
// (older status rank, or lower progress at the same rank) are dropped
// to keep delivery monotonic per job id; duplicates may still occur.
type notifier struct {
	mu     sync.Mutex
	subs   map[string]map[int]*subscription
	nextID int
	closed bool
}

type subscription struct {
	mu      sync.Mutex
	pending []*models.Job
	wake    chan struct{}
	done    chan struct{}
	out     chan *models.Job
	once    sync.Once

	// monotonic delivery state, touched only by the drain goroutine
	lastRank     int
	lastProgress int
	delivered    bool
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[int]*subscription)}
}

// publish enqueues a snapshot for every subscriber of job.ID.
// The queue is unbounded so a slow observer delays only itself.
func (n *notifier) publish(job *models.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, sub := range n.subs[job.ID] {
		sub.mu.Lock()
		sub.pending = append(sub.pending, job.Clone())
		sub.mu.Unlock()
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// subscribe registers an observer for jobID and returns its delivery
// channel plus an unsubscribe func. Unsubscribe is idempotent.
func (n *notifier) subscribe(jobID string) (<-chan *models.Job, func()) {
	sub := &subscription{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan *models.Job),
	}

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.subs[jobID] == nil {
		n.subs[jobID] = make(map[int]*subscription)
	}
	n.subs[jobID][id] = sub
	n.mu.Unlock()

	go sub.drain()

	unsubscribe := func() {
		sub.once.Do(func() {
			n.mu.Lock()
			delete(n.subs[jobID], id)
			if len(n.subs[jobID]) == 0 {
				delete(n.subs, jobID)
			}
			n.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.out, unsubscribe
}

// drain delivers queued snapshots in order until unsubscribed
func (s *subscription) drain() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			job := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			rank := models.StatusRank(job.Status)
			if s.delivered {
				if rank < s.lastRank {
					continue
				}
				if rank == s.lastRank && job.Progress < s.lastProgress {
					continue
				}
			}

			select {
			case s.out <- job:
				s.delivered = true
				s.lastRank = rank
				s.lastProgress = job.Progress
			case <-s.done:
				return
			}
		}
	}
}

// closeAll tears down every subscription; used by Store.Close
func (n *notifier) closeAll() {
	n.mu.Lock()
	subs := n.subs
	n.subs = make(map[string]map[int]*subscription)
	n.closed = true
	n.mu.Unlock()

	for _, byID := range subs {
		for _, sub := range byID {
			sub.once.Do(func() { close(sub.done) })
		}
	}
}
