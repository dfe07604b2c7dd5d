package gateway

import "github.com/codeready-toolchain/askrelay/pkg/models"

// Client-to-server event names.
const (
	EventAskQuestion    = "ask_question"
	EventGetSuggestions = "get_suggestions"
	EventGetHistory     = "get_history"
	EventClearHistory   = "clear_history"
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventPing           = "ping"
)

// QuestionRequest is the payload of ask_question and get_suggestions.
type QuestionRequest struct {
	SessionID string `json:"sessionId"`
	Question  string `json:"question"`
}

// HistoryRequest is the payload of get_history.
type HistoryRequest struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit,omitempty"`
}

// SessionRequest is the payload of clear_history, join_room and leave_room.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// ConnectedPayload is sent once a connection passed every connect hook.
type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// TaskStartedPayload acknowledges an accepted question before it is queued.
type TaskStartedPayload struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Question string `json:"question"`
}

// TaskIDPayload carries the id of a submitted task.
type TaskIDPayload struct {
	TaskID string          `json:"taskId"`
	Kind   models.TaskKind `json:"kind"`
}

// HistoryPayload answers get_history. Degraded is set when the store could
// not be read and History is empty for that reason.
type HistoryPayload struct {
	SessionID string                 `json:"sessionId"`
	History   []*models.HistoryEntry `json:"history"`
	Degraded  bool                   `json:"degraded,omitempty"`
}

// HistoryClearedPayload answers clear_history.
type HistoryClearedPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Cleared   bool   `json:"cleared"`
}

// RoomPayload answers join_room and leave_room.
type RoomPayload struct {
	SessionID string `json:"sessionId"`
}

// PongPayload answers ping.
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	// Event is the inbound event that failed, empty for connect failures.
	Event string `json:"event,omitempty"`
}
