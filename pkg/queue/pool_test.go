package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolHealthBeforeStart(t *testing.T) {
	pool := NewWorkerPool("pod", NewMemoryQueue(), nil, nil, testQueueConfig(), nil)

	h := pool.Health(context.Background())
	assert.False(t, h.IsHealthy, "no workers yet")
	assert.True(t, h.QueueReachable)
	assert.Equal(t, "pod", h.PodID)
	assert.Empty(t, h.WorkerStats)
}

func TestPoolHealthQueueDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemoryQueue()
	st, _ := newTestStore(t)
	pool := NewWorkerPool("pod", q, st, &captureDeliverer{}, testQueueConfig(), NewStubExecutor(0).Router())
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	q.SetDown(true)
	h := pool.Health(ctx)
	assert.False(t, h.IsHealthy)
	assert.False(t, h.QueueReachable)
	assert.NotEmpty(t, h.QueueError)
	assert.Equal(t, 2, h.TotalWorkers)

	q.SetDown(false)
	assert.True(t, pool.Health(ctx).IsHealthy)
}

func TestPoolWorkerIDsCarryPodPrefix(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, _ := newTestStore(t)
	pool := NewWorkerPool("pod-7", NewMemoryQueue(), st, &captureDeliverer{}, testQueueConfig(), NewStubExecutor(0).Router())
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	h := pool.Health(ctx)
	require.Len(t, h.WorkerStats, 2)
	assert.Equal(t, "pod-7-worker-0", h.WorkerStats[0].ID)
	assert.Equal(t, "pod-7-worker-1", h.WorkerStats[1].ID)
}

func TestPoolStopWithoutStart(t *testing.T) {
	pool := NewWorkerPool("pod", NewMemoryQueue(), nil, nil, testQueueConfig(), nil)
	assert.NotPanics(t, func() {
		pool.Stop()
		pool.Stop()
	})
}
