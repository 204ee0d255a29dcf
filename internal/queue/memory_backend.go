package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/ingest"
)

// MemoryBackend keeps jobs in process. Unacked deliveries are lost on exit.
type MemoryBackend struct {
	mu        sync.Mutex
	pending   []ingest.Job
	inflight  map[string]ingest.Job
	dedupe    map[string]time.Time
	states    map[string]JobState
	seq       int
	dedupeTTL time.Duration
	now       func() time.Time
	wake      chan struct{}
}

func NewMemoryBackend(dedupeTTL time.Duration) *MemoryBackend {
	return &MemoryBackend{
		inflight:  make(map[string]ingest.Job),
		dedupe:    make(map[string]time.Time),
		states:    make(map[string]JobState),
		dedupeTTL: dedupeTTL,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
}

func (q *MemoryBackend) Enqueue(_ context.Context, job ingest.Job) (bool, error) {
	key, err := DedupeKey(job.OriginSource, job.CorrelationToken)
	if err != nil {
		return false, err
	}

	q.mu.Lock()
	now := q.now()
	q.prune(now)
	if expires, ok := q.dedupe[key]; ok && now.Before(expires) {
		q.mu.Unlock()
		return false, nil
	}
	q.dedupe[key] = now.Add(q.dedupeTTL)
	q.pending = append(q.pending, job)
	q.states[job.ID] = JobState{ID: job.ID, Status: ingest.JobStatusPending, Attempts: job.Attempts, UpdatedAt: now}
	q.mu.Unlock()

	q.signal()
	return true, nil
}

// prune drops expired dedupe keys and states of finished jobs older than
// twice the dedupe window. q.mu must be held.
func (q *MemoryBackend) prune(now time.Time) {
	for key, expires := range q.dedupe {
		if !now.Before(expires) {
			delete(q.dedupe, key)
		}
	}
	if q.dedupeTTL <= 0 {
		return
	}
	cutoff := now.Add(-2 * q.dedupeTTL)
	for id, state := range q.states {
		if state.Status.Completed() && state.UpdatedAt.Before(cutoff) {
			delete(q.states, id)
		}
	}
}

func (q *MemoryBackend) Receive(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			q.seq++
			receipt := strconv.Itoa(q.seq)
			q.inflight[receipt] = job
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return &Delivery{Job: job, Receipt: receipt}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *MemoryBackend) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.Receipt)
	return nil
}

func (q *MemoryBackend) Retry(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	delete(q.inflight, d.Receipt)
	job := d.Job
	job.Attempts++
	job.Status = ingest.JobStatusPending
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *MemoryBackend) SetStatus(_ context.Context, state JobState) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = q.now()
	}
	q.states[state.ID] = state
	return nil
}

func (q *MemoryBackend) Status(_ context.Context, id string) (JobState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.states[id]
	if !ok {
		return JobState{}, ErrJobNotFound
	}
	return state, nil
}

// Len reports queued plus in-flight jobs.
func (q *MemoryBackend) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

func (q *MemoryBackend) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
