package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/admission"
	"github.com/codeready-toolchain/askrelay/pkg/events"
	"github.com/codeready-toolchain/askrelay/pkg/hooks"
	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/codeready-toolchain/askrelay/pkg/queue"
)

// dispatch handles one inbound message. Every handler reports failure to
// the client as an error event; nothing here closes the connection.
func (g *Gateway) dispatch(ctx context.Context, c *connection, msg *events.Message) {
	var err error
	switch msg.Event {
	case EventAskQuestion:
		err = g.handleAskQuestion(ctx, c, msg.Data)
	case EventGetSuggestions:
		err = g.handleGetSuggestions(ctx, c, msg.Data)
	case EventGetHistory:
		err = g.handleGetHistory(ctx, c, msg.Data)
	case EventClearHistory:
		err = g.handleClearHistory(ctx, c, msg.Data)
	case EventJoinRoom:
		err = g.handleJoinRoom(ctx, c, msg.Data)
	case EventLeaveRoom:
		err = g.handleLeaveRoom(ctx, c, msg.Data)
	case EventPing:
		g.send(ctx, c, events.EventPong, PongPayload{Timestamp: time.Now().UnixMilli()})
	default:
		err = errUnknownEvent
	}
	if err != nil {
		c.log.Info("Client request failed", "event", msg.Event, "error", err)
		g.sendError(ctx, c, msg.Event, err)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return &admission.ValidationError{Field: "data", Message: "required"}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &admission.ValidationError{Field: "data", Message: "malformed payload"}
	}
	return nil
}

// authorize requires a session id whose room this connection is in, and
// refreshes the session's last-seen time.
func (g *Gateway) authorize(ctx context.Context, c *connection, sessionID string) error {
	if sessionID == "" {
		return &admission.ValidationError{Field: "sessionId", Message: "required"}
	}
	if !g.registry.InRoom(c.client.id, sessionID) {
		return errNotMember
	}
	if err := g.store.TouchSession(ctx, sessionID); err != nil {
		c.log.Debug("Session touch failed", "error", err)
	}
	return nil
}

func (g *Gateway) handleAskQuestion(ctx context.Context, c *connection, data json.RawMessage) error {
	var req QuestionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return &admission.ValidationError{Field: "question", Message: "required"}
	}
	if err := g.authorize(ctx, c, req.SessionID); err != nil {
		return err
	}

	ev := &hooks.QuestionEvent{SessionID: req.SessionID, ClientIP: c.clientIP, Question: req.Question}
	if err := g.pipeline.ExecuteBeforeQuestion(ctx, ev); err != nil {
		return err
	}

	g.send(ctx, c, events.EventTaskStarted, TaskStartedPayload{
		Status:   "processing question",
		Progress: 0,
		Question: req.Question,
	})

	taskID, err := g.submit(ctx, c, models.TaskKindQuestion, req.SessionID, req.Question)
	if err != nil {
		return err
	}

	ev.TaskID = taskID
	// AfterQuestion failures are logged by the pipeline and never undo the task.
	_ = g.pipeline.ExecuteAfterQuestion(ctx, ev)

	g.send(ctx, c, events.EventTaskID, TaskIDPayload{TaskID: taskID, Kind: models.TaskKindQuestion})
	return nil
}

func (g *Gateway) handleGetSuggestions(ctx context.Context, c *connection, data json.RawMessage) error {
	var req QuestionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	req.Question = strings.TrimSpace(req.Question)
	if err := g.gate.VerifySuggestionAccess(req.SessionID, req.Question); err != nil {
		return err
	}
	if err := g.authorize(ctx, c, req.SessionID); err != nil {
		return err
	}

	taskID, err := g.submit(ctx, c, models.TaskKindSuggestion, req.SessionID, req.Question)
	if err != nil {
		return err
	}
	g.send(ctx, c, events.EventTaskID, TaskIDPayload{TaskID: taskID, Kind: models.TaskKindSuggestion})
	return nil
}

func (g *Gateway) submit(ctx context.Context, c *connection, kind models.TaskKind, sessionID, question string) (string, error) {
	taskID, err := g.submitter.Submit(ctx, kind, sessionID, queue.QuestionPayload{Question: question})
	if err != nil {
		return "", err
	}
	if g.watcher != nil {
		g.watcher.Watch(sessionID, taskID)
	}
	c.log.Info("Task submitted", "task_id", taskID, "kind", kind)
	return taskID, nil
}

func (g *Gateway) handleGetHistory(ctx context.Context, c *connection, data json.RawMessage) error {
	var req HistoryRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := g.gate.VerifyHistoryAccess(req.SessionID); err != nil {
		return err
	}
	if err := g.authorize(ctx, c, req.SessionID); err != nil {
		return err
	}

	payload := HistoryPayload{SessionID: req.SessionID, History: []*models.HistoryEntry{}}
	history, err := g.store.GetSessionHistory(ctx, req.SessionID, req.Limit)
	if err != nil {
		c.log.Warn("History unavailable, sending empty history", "error", err)
		payload.Degraded = true
	} else if history != nil {
		payload.History = history
	}
	g.send(ctx, c, events.EventHistoryData, payload)
	return nil
}

func (g *Gateway) handleClearHistory(ctx context.Context, c *connection, data json.RawMessage) error {
	var req SessionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := g.gate.VerifyHistoryAccess(req.SessionID); err != nil {
		return err
	}
	if err := g.authorize(ctx, c, req.SessionID); err != nil {
		return err
	}

	payload := HistoryClearedPayload{SessionID: req.SessionID, Message: "history cleared", Cleared: true}
	if err := g.store.ClearSessionHistory(ctx, req.SessionID); err != nil {
		c.log.Warn("History clear failed", "error", err)
		payload.Message = "history could not be cleared"
		payload.Cleared = false
	}
	g.send(ctx, c, events.EventHistoryCleared, payload)
	return nil
}

func (g *Gateway) handleJoinRoom(ctx context.Context, c *connection, data json.RawMessage) error {
	var req SessionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := g.gate.VerifyRoomAccess(req.SessionID); err != nil {
		return err
	}
	if err := g.registry.Join(c.client.id, req.SessionID); err != nil {
		return err
	}
	c.log.Info("Joined room", "room", req.SessionID)
	g.send(ctx, c, events.EventJoinedRoom, RoomPayload{SessionID: req.SessionID})
	return nil
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, c *connection, data json.RawMessage) error {
	var req SessionRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.SessionID == "" {
		return &admission.ValidationError{Field: "sessionId", Message: "required"}
	}
	if err := g.registry.Leave(c.client.id, req.SessionID); err != nil {
		if errors.Is(err, events.ErrPrimaryRoom) {
			return &admission.ValidationError{Field: "sessionId", Message: "cannot leave the connection's own session"}
		}
		return err
	}
	c.log.Info("Left room", "room", req.SessionID)
	g.send(ctx, c, events.EventLeftRoom, RoomPayload{SessionID: req.SessionID})
	return nil
}
