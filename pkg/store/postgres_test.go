package store_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/codeready-toolchain/askrelay/pkg/store"
	testdb "github.com/codeready-toolchain/askrelay/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresStore(t *testing.T) (*store.Store, *store.PostgresBackend) {
	t.Helper()
	client := testdb.NewTestClient(t)
	backend := store.NewPostgresBackend(client.DB())
	return store.New(backend, config.DefaultStoreConfig()), backend
}

func TestPostgresStore_TaskLifecycle(t *testing.T) {
	s, _ := newPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreTask(ctx, &models.Task{
		ID: "t1", SessionID: "s1", Kind: models.TaskKindQuestion, State: models.TaskStatePending,
	}))

	_, err := s.UpdateTaskStatus(ctx, "s1", "t1", models.TaskStatusUpdate{State: models.TaskStateProgress, Progress: 50, Seq: 1})
	require.NoError(t, err)

	_, err = s.UpdateTaskStatus(ctx, "s1", "t1", models.TaskStatusUpdate{State: models.TaskStateProgress, Progress: 20, Seq: 1})
	assert.ErrorIs(t, err, store.ErrStaleUpdate)

	_, err = s.UpdateTaskStatus(ctx, "s1", "t1", models.TaskStatusUpdate{
		State: models.TaskStateSuccess, Seq: 2, Result: json.RawMessage(`{"answer":"ok"}`),
	})
	require.NoError(t, err)

	_, err = s.UpdateTaskStatus(ctx, "s1", "t1", models.TaskStatusUpdate{State: models.TaskStateFailure, Seq: 3})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := s.GetTaskStatus(ctx, "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateSuccess, got.State)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, `{"answer":"ok"}`, string(got.Result))
}

func TestPostgresStore_ConcurrentUpdatesApplyOnce(t *testing.T) {
	s, _ := newPostgresStore(t)
	ctx := context.Background()
	require.NoError(t, s.StoreTask(ctx, &models.Task{ID: "t1", SessionID: "s1", State: models.TaskStatePending}))

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateTaskStatus(ctx, "s1", "t1", models.TaskStatusUpdate{State: models.TaskStateFailure, Seq: 1, Error: "boom"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	applied := 0
	for err := range results {
		if err == nil {
			applied++
		}
	}
	assert.Equal(t, 1, applied, "exactly one terminal transition wins")
}

func TestPostgresStore_HistoryAndCleanup(t *testing.T) {
	s, _ := newPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSession(ctx, &models.Session{ID: "s1", ConnectedAt: time.Now()}))
	require.NoError(t, s.StoreTask(ctx, &models.Task{ID: "t1", SessionID: "s1", State: models.TaskStateSuccess, Seq: 3}))
	require.NoError(t, s.StoreTask(ctx, &models.Task{ID: "t2", SessionID: "s1", State: models.TaskStateProgress, Seq: 1}))
	require.NoError(t, s.StoreQuestion(ctx, "s1", "Q1"))
	require.NoError(t, s.StoreAnswer(ctx, "s1", "t1", "A1"))

	history, err := s.GetSessionHistory(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "A1", history[0].Content)
	assert.Equal(t, "Q1", history[1].Content)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sessions)
	assert.Equal(t, 2, stats.Tasks)
	assert.Equal(t, 1, stats.Histories)

	require.NoError(t, s.CleanupSession(ctx, "s1"))
	_, err = s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetTaskStatus(ctx, "s1", "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	running, err := s.GetTaskStatus(ctx, "s1", "t2")
	require.NoError(t, err, "in-flight tasks outlive the session")
	assert.Equal(t, models.TaskStateProgress, running.State)

	history, err = s.GetSessionHistory(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestPostgresBackend_Expiry(t *testing.T) {
	_, backend := newPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, backend.HSet(ctx, "session:short", map[string]string{"a": "1"}, 500*time.Millisecond))
	require.NoError(t, backend.LPush(ctx, "history:short", "x", 500*time.Millisecond))

	fields, err := backend.HGetAll(ctx, "session:short")
	require.NoError(t, err)
	assert.Equal(t, "1", fields["a"])

	time.Sleep(700 * time.Millisecond)

	fields, err = backend.HGetAll(ctx, "session:short")
	require.NoError(t, err)
	assert.Empty(t, fields)

	n, err := backend.CountKeys(ctx, "session:")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A write after expiry does not resurrect old fields.
	require.NoError(t, backend.HSet(ctx, "session:short", map[string]string{"b": "2"}, time.Minute))
	fields, err = backend.HGetAll(ctx, "session:short")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2"}, fields)

	purged, err := backend.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged, "only the expired list entry remains to purge")
}

func TestPostgresBackend_PrefixEscaping(t *testing.T) {
	_, backend := newPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, backend.HSet(ctx, "task:a_b:1", map[string]string{"x": "1"}, time.Minute))
	require.NoError(t, backend.HSet(ctx, "task:axb:1", map[string]string{"x": "1"}, time.Minute))

	keys, err := backend.Keys(ctx, "task:a_b:")
	require.NoError(t, err)
	assert.Equal(t, []string{"task:a_b:1"}, keys)

	n, err := backend.DelPrefix(ctx, "task:a_b:")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = backend.CountKeys(ctx, "task:")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgresBackend_Counters(t *testing.T) {
	s, backend := newPostgresStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AcquireConnectionSlot(ctx, "9.9.9.9", 10)
			if err == nil && ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, accepted)

	require.NoError(t, s.ReleaseConnectionSlot(ctx, "9.9.9.9"))
	n, err := s.ConnectionCount(ctx, "9.9.9.9")
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	removed, err := backend.Del(ctx, "admission:conn:9.9.9.9")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestPostgresBackend_SlidingWindow(t *testing.T) {
	s, _ := newPostgresStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AllowQuestion(ctx, "8.8.8.8", 5, time.Second)
			if err == nil && ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, allowed)

	time.Sleep(1100 * time.Millisecond)
	ok, err := s.AllowQuestion(ctx, "8.8.8.8", 5, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
