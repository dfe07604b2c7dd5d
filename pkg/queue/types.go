// Package queue hands tasks from the client-facing server to background
// workers and reports their progress back.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/codeready-toolchain/askrelay/pkg/store"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates no queued jobs are waiting.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrQueueUnavailable indicates the queue could not accept a job.
	ErrQueueUnavailable = errors.New("task queue unavailable")

	// ErrUnknownKind indicates a job kind with no executor.
	ErrUnknownKind = errors.New("unknown task kind")
)

// Job is one queued unit of work. Its ID is the task id.
type Job struct {
	ID          string
	SessionID   string
	Kind        models.TaskKind
	Payload     json.RawMessage
	EnqueuedAt  time.Time
	ClaimedBy   string
	ClaimedAt   time.Time
	HeartbeatAt time.Time
}

// Queue is durable job storage shared by submitters and workers.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	// Claim takes the oldest queued job for workerID or returns
	// ErrNoJobsAvailable.
	Claim(ctx context.Context, workerID string) (*Job, error)
	Heartbeat(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string) error
	// StaleClaims returns claimed jobs whose last heartbeat is before cutoff.
	StaleClaims(ctx context.Context, cutoff time.Time) ([]*Job, error)
	// ClaimsByPrefix returns claimed jobs whose owner starts with prefix.
	ClaimsByPrefix(ctx context.Context, prefix string) ([]*Job, error)
	// Depth returns the number of queued and claimed jobs.
	Depth(ctx context.Context) (queued, claimed int, err error)
	// PurgeCompleted deletes jobs completed before cutoff.
	PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error)
}

// TaskStore is the store surface used by submitters and workers.
type TaskStore interface {
	StoreTask(ctx context.Context, task *models.Task) error
	UpdateTaskStatus(ctx context.Context, sessionID, taskID string, upd models.TaskStatusUpdate) (*models.Task, error)
	GetTaskStatus(ctx context.Context, sessionID, taskID string) (*models.Task, error)
	StoreSuggestion(ctx context.Context, sessionID string, rec *store.SuggestionRecord) error
}

// Deliverer pushes a task event toward the owning client.
type Deliverer interface {
	Deliver(ctx context.Context, ev models.TaskEvent)
}

// QuestionPayload is the job payload of question and suggestion tasks.
type QuestionPayload struct {
	Question string `json:"question"`
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	QueueReachable   bool           `json:"queue_reachable"`
	QueueError       string         `json:"queue_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	QueueDepth       int            `json:"queue_depth"`
	ClaimedJobs      int            `json:"claimed_jobs"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"` // "idle" or "working"
	CurrentTaskID  string    `json:"current_task_id,omitempty"`
	TasksProcessed int       `json:"tasks_processed"`
	LastActivity   time.Time `json:"last_activity"`
}
