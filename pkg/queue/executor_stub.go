package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/models"
)

// StubExecutor stands in for the answering backend. Questions go through
// PROGRESS 10 and 20 before a canned answer; suggestion requests go through
// PROGRESS 50 before three follow-up questions.
type StubExecutor struct {
	// Step is the pause between reported steps.
	Step time.Duration
}

// NewStubExecutor creates a stub executor pausing step between reports.
func NewStubExecutor(step time.Duration) *StubExecutor {
	return &StubExecutor{Step: step}
}

// Router returns a Router sending both task kinds to e.
func (e *StubExecutor) Router() Router {
	return Router{
		string(models.TaskKindQuestion):   e,
		string(models.TaskKindSuggestion): e,
	}
}

// Execute produces a canned result for job.
func (e *StubExecutor) Execute(ctx context.Context, job *Job, r *Reporter) (json.RawMessage, error) {
	var p QuestionPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	slog.Info("Stub executor: processing task (no backend)",
		"task_id", job.ID, "session_id", job.SessionID, "kind", job.Kind)

	switch job.Kind {
	case models.TaskKindQuestion:
		if err := e.step(ctx, r, 10, "analyzing question"); err != nil {
			return nil, err
		}
		if err := e.step(ctx, r, 20, "searching"); err != nil {
			return nil, err
		}
		return json.Marshal(models.Answer{
			Answer:         fmt.Sprintf("Stub answer to: %s", p.Question),
			AnalysisReason: "stub executor: no search performed",
		})
	case models.TaskKindSuggestion:
		if err := e.step(ctx, r, 50, "generating suggestions"); err != nil {
			return nil, err
		}
		return json.Marshal(models.Suggestions{Suggestions: []string{
			fmt.Sprintf("Can you explain more about %s?", p.Question),
			fmt.Sprintf("What are common problems with %s?", p.Question),
			fmt.Sprintf("Where can I learn more about %s?", p.Question),
		}})
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
}

func (e *StubExecutor) step(ctx context.Context, r *Reporter, progress int, status string) error {
	if e.Step > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.Step):
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Progress(ctx, progress, status); err != nil {
		slog.Warn("Progress report failed", "task_id", r.job.ID, "error", err)
	}
	return nil
}
