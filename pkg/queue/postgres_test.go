package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/codeready-toolchain/askrelay/pkg/queue"
	testdb "github.com/codeready-toolchain/askrelay/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresQueue(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := queue.NewPostgresQueue(client.DB())
	ctx := context.Background()

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, q.Enqueue(ctx, &queue.Job{
			ID: id, SessionID: "s1", Kind: models.TaskKindQuestion, Payload: []byte(`{"question":"q"}`),
		}))
		time.Sleep(2 * time.Millisecond)
	}

	t.Run("concurrent claims never share a job", func(t *testing.T) {
		var mu sync.Mutex
		seen := map[string]string{}
		var wg sync.WaitGroup
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				job, err := q.Claim(ctx, fmt.Sprintf("pod-a-worker-%d", i))
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.ID] = job.ClaimedBy
				mu.Unlock()
			}(i)
		}
		wg.Wait()
		assert.Len(t, seen, 3)

		_, err := q.Claim(ctx, "late")
		assert.ErrorIs(t, err, queue.ErrNoJobsAvailable)
	})

	t.Run("depth and prefix claims", func(t *testing.T) {
		queued, claimed, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Zero(t, queued)
		assert.Equal(t, 3, claimed)

		jobs, err := q.ClaimsByPrefix(ctx, "pod-a-worker-")
		require.NoError(t, err)
		assert.Len(t, jobs, 3)
		assert.Equal(t, models.TaskKindQuestion, jobs[0].Kind)
		assert.JSONEq(t, `{"question":"q"}`, string(jobs[0].Payload))

		jobs, err = q.ClaimsByPrefix(ctx, "pod_")
		require.NoError(t, err)
		assert.Empty(t, jobs, "underscore is not a wildcard")
	})

	t.Run("stale claims, complete and purge", func(t *testing.T) {
		stale, err := q.StaleClaims(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Len(t, stale, 3)

		require.NoError(t, q.Heartbeat(ctx, "job-1"))
		require.NoError(t, q.Complete(ctx, "job-1"))
		require.NoError(t, q.Complete(ctx, "job-1"))

		n, err := q.PurgeCompleted(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, claimed, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, claimed)
	})
}
