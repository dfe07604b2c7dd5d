package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/config"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and executes jobs.
type Worker struct {
	id        string
	podID     string
	queue     Queue
	store     TaskStore
	deliverer Deliverer
	config    *config.QueueConfig
	executor  Executor
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu             sync.RWMutex
	status         WorkerStatus
	currentTaskID  string
	tasksProcessed int
	lastActivity   time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, q Queue, st TaskStore, d Deliverer, cfg *config.QueueConfig, executor Executor) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		queue:        q,
		store:        st,
		deliverer:    d,
		config:       cfg,
		executor:     executor,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// job. It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         string(w.status),
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims one job and runs it to a terminal state.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.queue.Claim(ctx, w.id)
	if err != nil {
		return err
	}

	log := slog.With("task_id", job.ID, "session_id", job.SessionID, "worker_id", w.id)
	log.Info("Job claimed", "kind", job.Kind)

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// The job runs to completion even if the worker is asked to stop; only
	// the task timeout bounds it.
	taskCtx, cancelTask := context.WithTimeout(context.WithoutCancel(ctx), w.config.TaskTimeout)
	defer cancelTask()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(taskCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID)

	reporter := NewReporter(w.store, w.deliverer, job, 0)
	result, execErr := w.execute(taskCtx, job, reporter)
	if execErr == nil && result == nil {
		execErr = errors.New("executor returned no result")
	}
	if execErr != nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		execErr = fmt.Errorf("task timed out after %v", w.config.TaskTimeout)
	}
	cancelHeartbeat()

	// Terminal reporting uses a fresh context: the task context may be done.
	reportCtx, cancelReport := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelReport()

	if !reporter.Done() {
		var rerr error
		if execErr != nil {
			log.Warn("Task failed", "error", execErr)
			rerr = reporter.Failure(reportCtx, execErr.Error())
		} else {
			rerr = reporter.Success(reportCtx, result)
		}
		if rerr != nil {
			log.Warn("Terminal report rejected", "error", rerr)
		}
	}

	if err := w.queue.Complete(reportCtx, job.ID); err != nil {
		log.Error("Failed to complete job", "error", err)
		return err
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()

	log.Info("Job processing complete")
	return nil
}

// execute runs the executor, turning a panic into an error.
func (w *Worker) execute(ctx context.Context, job *Job, r *Reporter) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Executor panicked", "task_id", job.ID, "panic", p)
			result, err = nil, fmt.Errorf("worker panic: %v", p)
		}
	}()
	return w.executor.Execute(ctx, job, r)
}

// runHeartbeat periodically refreshes the claim for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, jobID); err != nil {
				slog.Warn("Heartbeat update failed", "task_id", jobID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}
