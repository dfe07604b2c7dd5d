package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/config"
)

// WorkerPool manages a pool of queue workers and orphan detection.
type WorkerPool struct {
	podID     string
	queue     Queue
	store     TaskStore
	deliverer Deliverer
	config    *config.QueueConfig
	executor  Executor
	workers   []*Worker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	started bool

	orphans orphanState
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, q Queue, st TaskStore, d Deliverer, cfg *config.QueueConfig, executor Executor) *WorkerPool {
	return &WorkerPool{
		podID:     podID,
		queue:     q,
		store:     st,
		deliverer: d,
		config:    cfg,
		executor:  executor,
		workers:   make([]*Worker, 0, cfg.WorkerCount),
		stopCh:    make(chan struct{}),
	}
}

// Start spawns worker goroutines and the orphan detection background task.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.queue, p.store, p.deliverer, p.config, p.executor)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits up to the graceful shutdown
// timeout for running jobs to finish.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully", "pod_id", p.podID)

	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, worker := range p.workers {
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				w.Stop()
			}(worker)
		}
		wg.Wait()
		p.wg.Wait()
		close(done)
	}()

	timeout := time.Minute
	if p.config != nil && p.config.GracefulShutdownTimeout > 0 {
		timeout = p.config.GracefulShutdownTimeout
	}
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-time.After(timeout):
		slog.Warn("Worker pool stop timed out, abandoning running jobs", "timeout", timeout)
	}
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health(ctx context.Context) *PoolHealth {
	queued, claimed, err := p.queue.Depth(ctx)
	if err != nil {
		slog.Error("Failed to query queue depth for health check", "pod_id", p.podID, "error", err)
	}

	p.mu.Lock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.Unlock()

	workerStats := make([]WorkerHealth, len(workers))
	activeWorkers := 0
	for i, worker := range workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRecovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	h := &PoolHealth{
		IsHealthy:        len(workers) > 0 && err == nil,
		QueueReachable:   err == nil,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(workers),
		QueueDepth:       queued,
		ClaimedJobs:      claimed,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
	if err != nil {
		h.QueueError = err.Error()
	}
	return h
}
