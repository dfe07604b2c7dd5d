package queue

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

type jobStatus int

const (
	statusQueued jobStatus = iota
	statusClaimed
	statusDone
)

type memJob struct {
	job         Job
	status      jobStatus
	completedAt time.Time
}

// MemoryQueue is a process-local Queue for single-process deployments
// and tests.
type MemoryQueue struct {
	mu    sync.Mutex
	jobs  map[string]*memJob
	order []string
	now   func() time.Time
	down  bool
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]*memJob), now: time.Now}
}

// SetClock replaces the time source.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// SetDown makes every operation fail, simulating an outage.
func (q *MemoryQueue) SetDown(down bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.down = down
}

func (q *MemoryQueue) checkLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.down {
		return fmt.Errorf("memory queue is down")
	}
	return nil
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(ctx); err != nil {
		return err
	}
	if _, exists := q.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already enqueued", job.ID)
	}
	job.EnqueuedAt = q.now()
	q.jobs[job.ID] = &memJob{job: *job}
	q.order = append(q.order, job.ID)
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, workerID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(ctx); err != nil {
		return nil, err
	}
	for _, id := range q.order {
		j := q.jobs[id]
		if j == nil || j.status != statusQueued {
			continue
		}
		now := q.now()
		j.status = statusClaimed
		j.job.ClaimedBy = workerID
		j.job.ClaimedAt = now
		j.job.HeartbeatAt = now
		out := j.job
		return &out, nil
	}
	return nil, ErrNoJobsAvailable
}

func (q *MemoryQueue) Heartbeat(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(ctx); err != nil {
		return err
	}
	if j := q.jobs[jobID]; j != nil && j.status == statusClaimed {
		j.job.HeartbeatAt = q.now()
	}
	return nil
}

func (q *MemoryQueue) Complete(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(ctx); err != nil {
		return err
	}
	if j := q.jobs[jobID]; j != nil && j.status != statusDone {
		j.status = statusDone
		j.completedAt = q.now()
	}
	return nil
}

func (q *MemoryQueue) claims(ctx context.Context, match func(*memJob) bool) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(ctx); err != nil {
		return nil, err
	}
	var out []*Job
	for _, id := range q.order {
		j := q.jobs[id]
		if j != nil && j.status == statusClaimed && match(j) {
			cp := j.job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (q *MemoryQueue) StaleClaims(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	return q.claims(ctx, func(j *memJob) bool { return j.job.HeartbeatAt.Before(cutoff) })
}

func (q *MemoryQueue) ClaimsByPrefix(ctx context.Context, prefix string) ([]*Job, error) {
	return q.claims(ctx, func(j *memJob) bool { return strings.HasPrefix(j.job.ClaimedBy, prefix) })
}

func (q *MemoryQueue) Depth(ctx context.Context) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(ctx); err != nil {
		return 0, 0, err
	}
	var queued, claimed int
	for _, j := range q.jobs {
		switch j.status {
		case statusQueued:
			queued++
		case statusClaimed:
			claimed++
		}
	}
	return queued, claimed, nil
}

func (q *MemoryQueue) PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(ctx); err != nil {
		return 0, err
	}
	var n int64
	for id, j := range q.jobs {
		if j.status == statusDone && j.completedAt.Before(cutoff) {
			delete(q.jobs, id)
			n++
		}
	}
	q.order = slices.DeleteFunc(q.order, func(id string) bool { return q.jobs[id] == nil })
	return n, nil
}
