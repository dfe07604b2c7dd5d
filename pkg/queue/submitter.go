package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/google/uuid"
)

// Submitter records a task as PENDING and enqueues it for a worker.
type Submitter struct {
	queue Queue
	store TaskStore
}

// NewSubmitter creates a submitter.
func NewSubmitter(q Queue, st TaskStore) *Submitter {
	return &Submitter{queue: q, store: st}
}

// Submit returns the new task id as soon as the job is enqueued. The PENDING
// record is best effort; an enqueue failure returns ErrQueueUnavailable and
// marks the record FAILURE, also best effort.
func (s *Submitter) Submit(ctx context.Context, kind models.TaskKind, sessionID string, payload any) (string, error) {
	if !kind.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode task payload: %w", err)
	}

	taskID := uuid.NewString()
	log := slog.With("task_id", taskID, "session_id", sessionID, "kind", kind)

	task := &models.Task{
		ID:        taskID,
		SessionID: sessionID,
		Kind:      kind,
		State:     models.TaskStatePending,
		Status:    "queued",
		Payload:   raw,
	}
	if err := s.store.StoreTask(ctx, task); err != nil {
		log.Warn("Failed to store pending task, submitting anyway", "error", err)
	}

	if err := s.queue.Enqueue(ctx, &Job{ID: taskID, SessionID: sessionID, Kind: kind, Payload: raw}); err != nil {
		log.Error("Failed to enqueue task", "error", err)
		if _, uerr := s.store.UpdateTaskStatus(ctx, sessionID, taskID, models.TaskStatusUpdate{
			State: models.TaskStateFailure,
			Error: "task queue unavailable",
			Seq:   1,
		}); uerr != nil {
			log.Warn("Failed to mark unqueued task as failed", "error", uerr)
		}
		return "", fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	log.Info("Task submitted")
	return taskID, nil
}
