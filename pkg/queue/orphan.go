package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/store"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically scans for abandoned claims.
// All worker processes run this independently; recovery is idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans fails claimed jobs whose heartbeat went stale.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	orphans, err := p.queue.StaleClaims(ctx, time.Now().Add(-p.config.OrphanThreshold))
	if err != nil {
		return fmt.Errorf("failed to query orphaned jobs: %w", err)
	}

	recovered := 0
	if len(orphans) > 0 {
		slog.Warn("Detected orphaned jobs", "count", len(orphans))
	}
	for _, job := range orphans {
		reason := fmt.Sprintf("worker lost: no heartbeat from %s since %s",
			job.ClaimedBy, job.HeartbeatAt.Format(time.RFC3339))
		if err := recoverOrphan(ctx, p.queue, p.store, p.deliverer, job, reason); err != nil {
			slog.Error("Failed to recover orphaned job", "task_id", job.ID, "error", err)
			continue
		}
		recovered++
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()
	return nil
}

// recoverOrphan reports FAILURE for a job unless its task is already
// terminal, then completes the job.
func recoverOrphan(ctx context.Context, q Queue, st TaskStore, d Deliverer, job *Job, reason string) error {
	var startSeq int64
	task, err := st.GetTaskStatus(ctx, job.SessionID, job.ID)
	switch {
	case err == nil && task.State.IsTerminal():
		return q.Complete(ctx, job.ID)
	case err == nil:
		startSeq = task.Seq
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("failed to read task: %w", err)
	}

	r := NewReporter(st, d, job, startSeq)
	if err := r.Failure(ctx, reason); err != nil {
		slog.Warn("Orphan failure report rejected", "task_id", job.ID, "error", err)
	}
	if err := q.Complete(ctx, job.ID); err != nil {
		return err
	}
	slog.Warn("Orphaned job failed", "task_id", job.ID, "session_id", job.SessionID, "claimed_by", job.ClaimedBy)
	return nil
}

// CleanupStartupOrphans fails jobs claimed by this pod's workers before a
// restart. Called once during startup, before the pool begins processing.
func CleanupStartupOrphans(ctx context.Context, q Queue, st TaskStore, d Deliverer, podID string) error {
	orphans, err := q.ClaimsByPrefix(ctx, podID+"-worker-")
	if err != nil {
		return fmt.Errorf("failed to query startup orphans: %w", err)
	}
	if len(orphans) == 0 {
		return nil
	}

	slog.Warn("Found startup orphans from previous run", "pod_id", podID, "count", len(orphans))
	for _, job := range orphans {
		reason := fmt.Sprintf("worker lost: %s restarted while task was running", podID)
		if err := recoverOrphan(ctx, q, st, d, job, reason); err != nil {
			slog.Error("Failed to recover startup orphan", "task_id", job.ID, "error", err)
			continue
		}
		slog.Info("Startup orphan recovered", "task_id", job.ID)
	}
	return nil
}
