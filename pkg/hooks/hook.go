// Package hooks runs independently written extensions at six points of a
// client connection's life: before/after connect, before/after disconnect
// and before/after a question is submitted.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Checkpoint names one of the six lifecycle points.
type Checkpoint string

const (
	BeforeConnect    Checkpoint = "before_connect"
	AfterConnect     Checkpoint = "after_connect"
	BeforeDisconnect Checkpoint = "before_disconnect"
	AfterDisconnect  Checkpoint = "after_disconnect"
	BeforeQuestion   Checkpoint = "before_question"
	AfterQuestion    Checkpoint = "after_question"
)

// Gating reports whether a failure at c rejects the triggering event.
// Disconnect checkpoints and AfterQuestion never abort: cleanup always runs.
func (c Checkpoint) Gating() bool {
	return c == BeforeConnect || c == AfterConnect || c == BeforeQuestion
}

// ConnectEvent describes a connection being established.
type ConnectEvent struct {
	SessionID   string
	ClientIP    string
	UserAgent   string
	ServerID    string
	ConnectedAt time.Time
}

// DisconnectEvent describes a connection going away.
type DisconnectEvent struct {
	SessionID string
	ClientIP  string
	// Reason is "client_closed", "rejected" or a transport error message.
	Reason string
}

// QuestionEvent describes a question submission. TaskID is set only for
// AfterQuestion.
type QuestionEvent struct {
	SessionID string
	ClientIP  string
	Question  string
	TaskID    string
}

// Hook is implemented by every pipeline extension. A nil error passes;
// any error fails the checkpoint for this hook.
type Hook interface {
	Name() string
	BeforeConnect(ctx context.Context, ev *ConnectEvent) error
	AfterConnect(ctx context.Context, ev *ConnectEvent) error
	BeforeDisconnect(ctx context.Context, ev *DisconnectEvent) error
	AfterDisconnect(ctx context.Context, ev *DisconnectEvent) error
	BeforeQuestion(ctx context.Context, ev *QuestionEvent) error
	AfterQuestion(ctx context.Context, ev *QuestionEvent) error
}

// Base implements every checkpoint as a no-op. Embed it and override only
// what the hook needs.
type Base struct{}

func (Base) BeforeConnect(context.Context, *ConnectEvent) error       { return nil }
func (Base) AfterConnect(context.Context, *ConnectEvent) error        { return nil }
func (Base) BeforeDisconnect(context.Context, *DisconnectEvent) error { return nil }
func (Base) AfterDisconnect(context.Context, *DisconnectEvent) error  { return nil }
func (Base) BeforeQuestion(context.Context, *QuestionEvent) error     { return nil }
func (Base) AfterQuestion(context.Context, *QuestionEvent) error      { return nil }

var (
	// ErrDuplicateHook is returned when registering a name twice.
	ErrDuplicateHook = errors.New("hook already registered")
	// ErrHookNotFound is returned for operations on an unknown name.
	ErrHookNotFound = errors.New("hook not found")
)

// HookError records which hook failed at which checkpoint.
type HookError struct {
	Hook       string
	Checkpoint Checkpoint
	Err        error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s failed at %s: %v", e.Hook, e.Checkpoint, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}
