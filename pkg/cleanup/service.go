// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/config"
)

// ExpiringStore drops state entries whose TTL has passed.
type ExpiringStore interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// CompletedJobs drops finished queue rows.
type CompletedJobs interface {
	PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service periodically enforces retention policies:
//   - Purges state store entries past their TTL
//   - Removes completed queue jobs older than CompletedJobTTL
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config *config.RetentionConfig
	store  ExpiringStore
	queue  CompletedJobs
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. Either dependency may be nil.
func NewService(cfg *config.RetentionConfig, store ExpiringStore, queue CompletedJobs) *Service {
	return &Service{
		config: cfg,
		store:  store,
		queue:  queue,
		now:    time.Now,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"completed_job_ttl", s.config.CompletedJobTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.purgeExpiredState(ctx)
	s.purgeCompletedJobs(ctx)
}

func (s *Service) purgeExpiredState(ctx context.Context) {
	if s.store == nil {
		return
	}
	count, err := s.store.PurgeExpired(ctx)
	if err != nil {
		slog.Error("Retention: purge expired state failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged expired state entries", "count", count)
	}
}

func (s *Service) purgeCompletedJobs(ctx context.Context) {
	if s.queue == nil {
		return
	}
	cutoff := s.now().Add(-s.config.CompletedJobTTL)
	count, err := s.queue.PurgeCompleted(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: purge completed jobs failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged completed jobs", "count", count, "cutoff", cutoff)
	}
}
