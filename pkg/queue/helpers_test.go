package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/codeready-toolchain/askrelay/pkg/store"
)

// captureDeliverer records delivered events in order.
type captureDeliverer struct {
	mu     sync.Mutex
	events []models.TaskEvent
}

func (d *captureDeliverer) Deliver(_ context.Context, ev models.TaskEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *captureDeliverer) Events() []models.TaskEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.TaskEvent(nil), d.events...)
}

func (d *captureDeliverer) forTask(taskID string) []models.TaskEvent {
	var out []models.TaskEvent
	for _, ev := range d.Events() {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		WorkerCount:             2,
		PollInterval:            10 * time.Millisecond,
		PollIntervalJitter:      5 * time.Millisecond,
		TaskTimeout:             5 * time.Second,
		HeartbeatInterval:       50 * time.Millisecond,
		GracefulShutdownTimeout: 5 * time.Second,
		OrphanDetectionInterval: time.Hour,
		OrphanThreshold:         time.Minute,
	}
}

func newTestStore(t *testing.T) (*store.Store, *store.MemoryBackend) {
	t.Helper()
	backend := store.NewMemoryBackend()
	return store.New(backend, config.DefaultStoreConfig()), backend
}

func states(evs []models.TaskEvent) []models.TaskState {
	out := make([]models.TaskState, len(evs))
	for i, ev := range evs {
		out[i] = ev.State
	}
	return out
}
