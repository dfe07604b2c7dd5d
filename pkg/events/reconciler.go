package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/store"
)

type watch struct {
	sessionID   string
	submittedAt time.Time
}

// Reconciler re-reads submitted tasks whose terminal event this process
// never delivered and delivers it once. It is a safety net for lost
// broadcasts, not the primary path.
type Reconciler struct {
	store       TaskStore
	broadcaster *Broadcaster
	cfg         *config.DeliveryConfig
	now         func() time.Time

	mu      sync.Mutex
	watched map[string]watch // task id -> watch
}

// NewReconciler creates a reconciler.
func NewReconciler(st TaskStore, b *Broadcaster, cfg *config.DeliveryConfig) *Reconciler {
	return &Reconciler{
		store:       st,
		broadcaster: b,
		cfg:         cfg,
		now:         time.Now,
		watched:     make(map[string]watch),
	}
}

// Watch starts tracking a submitted task.
func (r *Reconciler) Watch(sessionID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watched[taskID] = watch{sessionID: sessionID, submittedAt: r.now()}
}

// Watching returns the number of tracked tasks.
func (r *Reconciler) Watching() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watched)
}

func (r *Reconciler) unwatch(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watched, taskID)
}

// Run sweeps every ReconcileInterval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	slog.Info("Reconciler started", "interval", r.cfg.ReconcileInterval, "grace", r.cfg.ReconcileGrace)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Reconciler stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep checks every watched task older than the grace period once and
// returns how many terminal events it recovered.
func (r *Reconciler) Sweep(ctx context.Context) int {
	now := r.now()

	r.mu.Lock()
	due := make(map[string]watch)
	for id, w := range r.watched {
		if now.Sub(w.submittedAt) >= r.cfg.ReconcileGrace {
			due[id] = w
		}
	}
	r.mu.Unlock()

	recovered := 0
	for taskID, w := range due {
		if ctx.Err() != nil {
			break
		}
		if r.broadcaster.TerminalDelivered(taskID) {
			r.unwatch(taskID)
			continue
		}
		if now.Sub(w.submittedAt) > r.cfg.ReconcileMaxAge {
			slog.Warn("Task never reached a terminal state, giving up",
				"task_id", taskID, "session_id", w.sessionID, "age", now.Sub(w.submittedAt))
			r.unwatch(taskID)
			continue
		}
		if !r.broadcaster.registry.HasRoom(w.sessionID) {
			r.unwatch(taskID)
			continue
		}

		task, err := r.store.GetTaskStatus(ctx, w.sessionID, taskID)
		if errors.Is(err, store.ErrNotFound) {
			r.unwatch(taskID)
			continue
		}
		if err != nil {
			slog.Debug("Reconcile read failed, retrying next sweep", "task_id", taskID, "error", err)
			continue
		}
		if !task.State.IsTerminal() {
			continue
		}

		out := r.broadcaster.Reconcile(ctx, task.Event())
		r.unwatch(taskID)
		if out == OutcomeDelivered {
			recovered++
			slog.Info("Recovered missed terminal event",
				"task_id", taskID, "session_id", w.sessionID, "state", task.State)
		}
	}

	if n := r.broadcaster.PruneLedger(); n > 0 {
		slog.Debug("Pruned delivery ledger", "entries", n)
	}
	return recovered
}
