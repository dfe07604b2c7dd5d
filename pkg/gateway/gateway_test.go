package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/admission"
	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/events"
	"github.com/codeready-toolchain/askrelay/pkg/hooks"
	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/codeready-toolchain/askrelay/pkg/queue"
	"github.com/codeready-toolchain/askrelay/pkg/store"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateway_QuestionProgressReachesSessionRoom(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	c, sessionID := env.connect(t)

	c.send(EventAskQuestion, QuestionRequest{SessionID: sessionID, Question: "今天天气"})

	var started TaskStartedPayload
	c.expect(events.EventTaskStarted, &started)
	assert.Equal(t, "今天天气", started.Question)
	assert.Equal(t, 0, started.Progress)

	var taskID TaskIDPayload
	c.expect(events.EventTaskID, &taskID)
	assert.Equal(t, models.TaskKindQuestion, taskID.Kind)
	assert.Equal(t, 1, env.reconciler.Watching())

	job, err := env.queue.Claim(ctx, "worker-0")
	require.NoError(t, err)
	require.Equal(t, taskID.TaskID, job.ID)
	require.Equal(t, sessionID, job.SessionID)

	r := queue.NewReporter(env.store, env.broadcaster, job, 0)
	require.NoError(t, r.Progress(ctx, 50, "searching"))

	var update models.TaskEvent
	c.expect(events.EventTaskUpdate, &update)
	assert.Equal(t, taskID.TaskID, update.TaskID)
	assert.Equal(t, sessionID, update.SessionID)
	assert.Equal(t, models.TaskStateProgress, update.State)
	assert.Equal(t, 50, update.Progress)

	result, err := json.Marshal(models.Answer{Answer: "sunny"})
	require.NoError(t, err)
	require.NoError(t, r.Success(ctx, result))
	c.expect(events.EventTaskUpdate, &update)
	assert.Equal(t, models.TaskStateSuccess, update.State)
	env.broadcaster.Wait()

	c.send(EventGetHistory, HistoryRequest{SessionID: sessionID})
	var history HistoryPayload
	c.expect(events.EventHistoryData, &history)
	assert.False(t, history.Degraded)
	require.Len(t, history.History, 2)
	assert.Equal(t, models.HistoryAnswer, history.History[0].Type)
	assert.Equal(t, "sunny", history.History[0].Content)
	assert.Equal(t, models.HistoryQuestion, history.History[1].Type)
	assert.Equal(t, "今天天气", history.History[1].Content)
}

func TestGateway_JoinedRoomReceivesUpdates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	owner, sessionID := env.connect(t)
	other, _ := env.connect(t)

	other.send(EventJoinRoom, SessionRequest{SessionID: sessionID})
	var joined RoomPayload
	other.expect(events.EventJoinedRoom, &joined)
	assert.Equal(t, sessionID, joined.SessionID)

	// A joined room can be acted on.
	other.send(EventAskQuestion, QuestionRequest{SessionID: sessionID, Question: "how are you"})
	other.expect(events.EventTaskStarted, nil)
	other.expect(events.EventTaskID, nil)

	job, err := env.queue.Claim(ctx, "worker-0")
	require.NoError(t, err)
	require.NoError(t, queue.NewReporter(env.store, env.broadcaster, job, 0).Progress(ctx, 10, "analyzing"))

	var update models.TaskEvent
	owner.expect(events.EventTaskUpdate, &update)
	assert.Equal(t, job.ID, update.TaskID)
	other.expect(events.EventTaskUpdate, &update)
	assert.Equal(t, job.ID, update.TaskID)

	other.send(EventLeaveRoom, SessionRequest{SessionID: sessionID})
	other.expect(events.EventLeftRoom, nil)

	other.send(EventGetHistory, HistoryRequest{SessionID: sessionID})
	p := other.expectError()
	assert.Equal(t, string(admission.ReasonNotMember), p.Reason)
}

func TestGateway_SixthQuestionRejectedBeforeTaskCreation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	c, sessionID := env.connect(t)

	for i := 0; i < 5; i++ {
		c.send(EventAskQuestion, QuestionRequest{SessionID: sessionID, Question: fmt.Sprintf("question number %d", i)})
		c.expect(events.EventTaskStarted, nil)
		c.expect(events.EventTaskID, nil)
	}

	c.send(EventAskQuestion, QuestionRequest{SessionID: sessionID, Question: "one too many"})
	p := c.expectError()
	assert.Equal(t, CodeAdmissionRejected, p.Code)
	assert.Equal(t, string(admission.ReasonRateLimited), p.Reason)
	assert.Equal(t, EventAskQuestion, p.Event)

	// The next frame is the pong, so no task_id followed the rejection.
	c.send(EventPing, nil)
	c.expect(events.EventPong, nil)

	queued, _, err := env.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, queued)
}

func TestGateway_StoreDownAtConnectFailsOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	env.backend.SetDown(true)

	c, sessionID := env.connect(t)
	assert.Equal(t, 1, env.gateway.ActiveConnections())

	// Questions still go through without persistence.
	c.send(EventAskQuestion, QuestionRequest{SessionID: sessionID, Question: "still there?"})
	c.expect(events.EventTaskStarted, nil)
	c.expect(events.EventTaskID, nil)

	c.send(EventGetHistory, HistoryRequest{SessionID: sessionID})
	var history HistoryPayload
	c.expect(events.EventHistoryData, &history)
	assert.True(t, history.Degraded)
	assert.Empty(t, history.History)

	c.send(EventClearHistory, SessionRequest{SessionID: sessionID})
	var cleared HistoryClearedPayload
	c.expect(events.EventHistoryCleared, &cleared)
	assert.False(t, cleared.Cleared)
}

func TestGateway_StoreDownAtConnectFailsClosed(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Hooks.StorageConnectPolicy = config.StoragePolicyFailClosed
	})
	env.backend.SetDown(true)

	c := env.dial(t)
	p := c.expectError()
	assert.Equal(t, CodeUnavailable, p.Code)

	_, err := c.read()
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	// The admission slot taken by the auth hook is released.
	require.Eventually(t, func() bool {
		return env.gate.Stats().TotalConnections == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, env.registry.Len())
}

func TestGateway_BlockedIPRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gate.BlockIP("127.0.0.1", "abuse")

	c := env.dial(t)
	p := c.expectError()
	assert.Equal(t, CodeAdmissionRejected, p.Code)
	assert.Equal(t, string(admission.ReasonBlockedIP), p.Reason)
	assert.Zero(t, env.monitoring(t).Stats().TotalConnections)
}

func TestGateway_RequestErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	c, sessionID := env.connect(t)
	foreign := uuid.NewString()

	tests := []struct {
		name       string
		event      string
		data       any
		wantCode   string
		wantReason admission.Reason
	}{
		{"foreign session question", EventAskQuestion, QuestionRequest{SessionID: foreign, Question: "hello"}, CodeAdmissionRejected, admission.ReasonNotMember},
		{"missing session", EventAskQuestion, QuestionRequest{Question: "hello"}, CodeValidation, ""},
		{"empty question", EventAskQuestion, QuestionRequest{SessionID: sessionID, Question: "   "}, CodeValidation, ""},
		{"question too short", EventAskQuestion, QuestionRequest{SessionID: sessionID, Question: "a"}, CodeValidation, ""},
		{"blocked term", EventAskQuestion, QuestionRequest{SessionID: sessionID, Question: "buy SPAM now"}, CodeAdmissionRejected, admission.ReasonBlockedTerm},
		{"suggestions without question", EventGetSuggestions, QuestionRequest{SessionID: sessionID}, CodeValidation, ""},
		{"foreign history", EventGetHistory, HistoryRequest{SessionID: foreign}, CodeAdmissionRejected, admission.ReasonNotMember},
		{"clear without session", EventClearHistory, SessionRequest{}, CodeValidation, ""},
		{"join malformed room", EventJoinRoom, SessionRequest{SessionID: "not-a-session"}, CodeAdmissionRejected, admission.ReasonInvalidRoom},
		{"leave primary room", EventLeaveRoom, SessionRequest{SessionID: sessionID}, CodeValidation, ""},
		{"missing data", EventGetHistory, nil, CodeValidation, ""},
		{"unknown event", "launch_rockets", SessionRequest{SessionID: sessionID}, CodeValidation, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.send(tt.event, tt.data)
			p := c.expectError()
			assert.Equal(t, tt.wantCode, p.Code, p.Message)
			assert.Equal(t, string(tt.wantReason), p.Reason)
			assert.Equal(t, tt.event, p.Event)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		c.sendRaw([]byte("{not json"))
		p := c.expectError()
		assert.Equal(t, CodeValidation, p.Code)
	})

	queued, _, err := env.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestGateway_Suggestions(t *testing.T) {
	env := newTestEnv(t, nil)
	c, sessionID := env.connect(t)

	c.send(EventGetSuggestions, QuestionRequest{SessionID: sessionID, Question: "goroutines"})
	var taskID TaskIDPayload
	c.expect(events.EventTaskID, &taskID)
	assert.Equal(t, models.TaskKindSuggestion, taskID.Kind)

	task, err := env.store.GetTaskStatus(context.Background(), sessionID, taskID.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatePending, task.State)
	assert.Equal(t, models.TaskKindSuggestion, task.Kind)
}

func TestGateway_QueueDownReportsUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	c, sessionID := env.connect(t)
	env.queue.SetDown(true)

	c.send(EventAskQuestion, QuestionRequest{SessionID: sessionID, Question: "anyone home"})
	c.expect(events.EventTaskStarted, nil)
	p := c.expectError()
	assert.Equal(t, CodeUnavailable, p.Code)
	assert.Zero(t, env.reconciler.Watching())
}

func TestGateway_DisconnectRunsCleanup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	c, sessionID := env.connect(t)

	_, err := env.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, env.gate.Stats().TotalConnections)

	require.NoError(t, c.conn.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		return env.registry.Len() == 0 &&
			env.gate.Stats().TotalConnections == 0 &&
			env.monitoring(t).Stats().ActiveConnections == 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err = env.store.GetSession(ctx, sessionID)
	assert.Error(t, err)
	assert.Equal(t, int64(1), env.monitoring(t).Stats().TotalDisconnects)
}

func TestGateway_ShutdownRunsDisconnectHooks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	c, sessionID := env.connect(t)
	assert.Equal(t, 1, env.gate.Stats().TotalConnections)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, env.gateway.Shutdown(shutdownCtx))

	assert.Equal(t, 0, env.registry.Len())
	assert.Equal(t, 0, env.gateway.ActiveConnections())
	assert.Equal(t, 0, env.gate.Stats().TotalConnections)
	assert.Equal(t, int64(1), env.monitoring(t).Stats().TotalDisconnects)
	_, err := env.store.GetSession(ctx, sessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = c.read()
	assert.Error(t, err, "client sees the connection end")

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http")
	_, resp, err := websocket.Dial(dialCtx, url, nil)
	require.Error(t, err, "new connections are refused after shutdown")
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func TestGateway_DisabledAuthHookSkipsAdmission(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gate.BlockIP("127.0.0.1", "")
	require.NoError(t, env.pipeline.Disable(hooks.AuthHookName))

	_, sessionID := env.connect(t)
	assert.NotEmpty(t, sessionID)
}
