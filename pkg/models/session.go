package models

import "time"

// Session is one live client connection's identity.
type Session struct {
	ID          string    `json:"sessionId"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	ClientIP    string    `json:"clientIp,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
	// ServerID is the process that holds the connection.
	ServerID string `json:"serverId,omitempty"`
}

// HistoryEntryType distinguishes questions from answers in session history.
type HistoryEntryType string

const (
	HistoryQuestion HistoryEntryType = "question"
	HistoryAnswer   HistoryEntryType = "answer"
)

// HistoryEntry is one append-only record of a session's conversation.
type HistoryEntry struct {
	SessionID string           `json:"sessionId"`
	Type      HistoryEntryType `json:"type"`
	Content   string           `json:"content"`
	TaskID    string           `json:"taskId,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// SessionListResponse is returned by the admin sessions endpoint.
type SessionListResponse struct {
	Sessions   []*Session `json:"sessions"`
	TotalCount int        `json:"total_count"`
}

// HistoryResponse is returned by the admin history endpoint.
type HistoryResponse struct {
	SessionID string          `json:"session_id"`
	History   []*HistoryEntry `json:"history"`
}
