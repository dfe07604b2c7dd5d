package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskKind identifies what a task computes.
type TaskKind string

const (
	TaskKindQuestion   TaskKind = "question"
	TaskKindSuggestion TaskKind = "suggestion"
)

// IsValid reports whether k is a known task kind.
func (k TaskKind) IsValid() bool {
	switch k {
	case TaskKindQuestion, TaskKindSuggestion:
		return true
	}
	return false
}

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStatePending  TaskState = "PENDING"
	TaskStateProgress TaskState = "PROGRESS"
	TaskStateSuccess  TaskState = "SUCCESS"
	TaskStateFailure  TaskState = "FAILURE"
)

// IsValid reports whether s is a known task state.
func (s TaskState) IsValid() bool {
	switch s {
	case TaskStatePending, TaskStateProgress, TaskStateSuccess, TaskStateFailure:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed out of s.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateSuccess || s == TaskStateFailure
}

// CanTransition reports whether moving from s to next is allowed.
// PENDING -> PROGRESS* -> SUCCESS|FAILURE. A terminal state can't be left and
// nothing moves back to PENDING.
func (s TaskState) CanTransition(next TaskState) bool {
	if !next.IsValid() || s.IsTerminal() {
		return false
	}
	return next != TaskStatePending
}

// Task is the persisted view of a unit of background work.
type Task struct {
	ID        string          `json:"taskId"`
	SessionID string          `json:"sessionId"`
	Kind      TaskKind        `json:"kind"`
	State     TaskState       `json:"state"`
	Progress  int             `json:"progress"`
	Status    string          `json:"status,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Event builds the delivery envelope for the task's current state.
func (t *Task) Event() TaskEvent {
	return TaskEvent{
		TaskID:    t.ID,
		SessionID: t.SessionID,
		Kind:      t.Kind,
		State:     t.State,
		Progress:  t.Progress,
		Status:    t.Status,
		Result:    t.Result,
		Error:     t.Error,
		Seq:       t.Seq,
		Timestamp: t.UpdatedAt,
	}
}

// TaskEvent is emitted to the owning session on every task transition.
type TaskEvent struct {
	TaskID    string          `json:"taskId"`
	SessionID string          `json:"sessionId"`
	Kind      TaskKind        `json:"kind,omitempty"`
	State     TaskState       `json:"state"`
	Progress  int             `json:"progress"`
	Status    string          `json:"status,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate checks the fields every delivered event must carry.
func (e TaskEvent) Validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("task event: taskId is required")
	}
	if e.SessionID == "" {
		return fmt.Errorf("task event: sessionId is required")
	}
	if !e.State.IsValid() {
		return fmt.Errorf("task event: invalid state %q", e.State)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return fmt.Errorf("task event: progress %d out of range", e.Progress)
	}
	return nil
}

// TaskStatusUpdate is a worker-reported transition.
type TaskStatusUpdate struct {
	State    TaskState
	Progress int
	Status   string
	Result   json.RawMessage
	Error    string
	// Seq must be greater than the stored sequence; stale updates are rejected.
	Seq int64
}
