package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Executor runs one job. It may report PROGRESS through r; the worker
// reports the terminal state from the returned result or error.
type Executor interface {
	Execute(ctx context.Context, job *Job, r *Reporter) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *Job, r *Reporter) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *Job, r *Reporter) (json.RawMessage, error) {
	return f(ctx, job, r)
}

// Router dispatches jobs to executors by kind.
type Router map[string]Executor

// Execute runs the executor registered for job.Kind.
func (rt Router) Execute(ctx context.Context, job *Job, r *Reporter) (json.RawMessage, error) {
	ex, ok := rt[string(job.Kind)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
	}
	return ex.Execute(ctx, job, r)
}
