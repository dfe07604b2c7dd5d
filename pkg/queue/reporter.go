package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/codeready-toolchain/askrelay/pkg/store"
)

// Reporter publishes the transitions of one task. Each report bumps the
// task's seq, is written to the store and then delivered. A store failure
// does not block delivery; a rejected transition does.
type Reporter struct {
	store     TaskStore
	deliverer Deliverer
	job       *Job

	mu       sync.Mutex
	seq      int64
	terminal bool
}

// NewReporter creates a reporter for job whose stored seq is startSeq.
func NewReporter(st TaskStore, d Deliverer, job *Job, startSeq int64) *Reporter {
	return &Reporter{store: st, deliverer: d, job: job, seq: startSeq}
}

// Progress reports a PROGRESS transition.
func (r *Reporter) Progress(ctx context.Context, progress int, status string) error {
	return r.report(ctx, models.TaskStatusUpdate{
		State:    models.TaskStateProgress,
		Progress: min(max(progress, 0), 100),
		Status:   status,
	})
}

// Success reports the terminal SUCCESS transition with result.
func (r *Reporter) Success(ctx context.Context, result json.RawMessage) error {
	if r.job.Kind == models.TaskKindSuggestion {
		r.storeSuggestion(ctx, result)
	}
	return r.report(ctx, models.TaskStatusUpdate{
		State:    models.TaskStateSuccess,
		Progress: 100,
		Status:   "completed",
		Result:   result,
	})
}

// Failure reports the terminal FAILURE transition.
func (r *Reporter) Failure(ctx context.Context, message string) error {
	return r.report(ctx, models.TaskStatusUpdate{
		State:  models.TaskStateFailure,
		Status: "failed",
		Error:  message,
	})
}

// Done reports whether a terminal transition was reported.
func (r *Reporter) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

func (r *Reporter) report(ctx context.Context, upd models.TaskStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminal {
		return store.ErrInvalidTransition
	}
	r.seq++
	upd.Seq = r.seq

	log := slog.With("task_id", r.job.ID, "session_id", r.job.SessionID, "state", upd.State, "seq", upd.Seq)

	ev := models.TaskEvent{
		TaskID:    r.job.ID,
		SessionID: r.job.SessionID,
		Kind:      r.job.Kind,
		State:     upd.State,
		Progress:  upd.Progress,
		Status:    upd.Status,
		Result:    upd.Result,
		Error:     upd.Error,
		Seq:       upd.Seq,
		Timestamp: time.Now(),
	}

	task, err := r.store.UpdateTaskStatus(ctx, r.job.SessionID, r.job.ID, upd)
	switch {
	case errors.Is(err, store.ErrStaleUpdate), errors.Is(err, store.ErrInvalidTransition):
		log.Warn("Task transition rejected", "error", err)
		return err
	case err != nil:
		log.Warn("Failed to persist task transition, delivering anyway", "error", err)
	default:
		ev = task.Event()
	}

	if upd.State.IsTerminal() {
		r.terminal = true
	}
	r.deliverer.Deliver(ctx, ev)
	return nil
}

func (r *Reporter) storeSuggestion(ctx context.Context, result json.RawMessage) {
	var s models.Suggestions
	if err := json.Unmarshal(result, &s); err != nil {
		slog.Warn("Suggestion result is not well-formed", "task_id", r.job.ID, "error", err)
		return
	}
	var p QuestionPayload
	_ = json.Unmarshal(r.job.Payload, &p)
	err := r.store.StoreSuggestion(ctx, r.job.SessionID, &store.SuggestionRecord{
		TaskID:      r.job.ID,
		Question:    p.Question,
		Suggestions: s.Suggestions,
	})
	if err != nil {
		slog.Warn("Failed to store suggestions", "task_id", r.job.ID, "error", err)
	}
}
