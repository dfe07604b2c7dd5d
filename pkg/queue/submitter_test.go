package queue

import (
	"context"
	"testing"

	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitter_Submit(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	q := NewMemoryQueue()
	s := NewSubmitter(q, st)

	taskID, err := s.Submit(ctx, models.TaskKindQuestion, "s1", QuestionPayload{Question: "今天天气"})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	task, err := st.GetTaskStatus(ctx, "s1", taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatePending, task.State)
	assert.Equal(t, models.TaskKindQuestion, task.Kind)
	assert.Equal(t, int64(0), task.Seq)

	job, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, taskID, job.ID)
	assert.Equal(t, "s1", job.SessionID)
	assert.JSONEq(t, `{"question":"今天天气"}`, string(job.Payload))
}

func TestSubmitter_UnknownKind(t *testing.T) {
	st, _ := newTestStore(t)
	s := NewSubmitter(NewMemoryQueue(), st)
	_, err := s.Submit(context.Background(), "translate", "s1", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestSubmitter_QueueUnavailable(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	q := NewMemoryQueue()
	q.SetDown(true)
	s := NewSubmitter(q, st)

	var taskID string
	var err error
	require.NotPanics(t, func() {
		taskID, err = s.Submit(ctx, models.TaskKindQuestion, "s1", QuestionPayload{Question: "hi there"})
	})
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	assert.Empty(t, taskID)

	sessions, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sessions.Tasks, "pending record was written and marked failed")
}

func TestSubmitter_StoreOutageStillSubmits(t *testing.T) {
	ctx := context.Background()
	st, backend := newTestStore(t)
	backend.SetDown(true)
	q := NewMemoryQueue()
	s := NewSubmitter(q, st)

	taskID, err := s.Submit(ctx, models.TaskKindSuggestion, "s1", QuestionPayload{Question: "go"})
	require.NoError(t, err)

	queued, _, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	assert.NotEmpty(t, taskID)
}
