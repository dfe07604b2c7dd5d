package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/cleanup"
	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/database"
	"github.com/codeready-toolchain/askrelay/pkg/events"
	"github.com/codeready-toolchain/askrelay/pkg/queue"
	"github.com/codeready-toolchain/askrelay/pkg/store"
)

// runtimeEnv holds the components shared by serve and worker.
type runtimeEnv struct {
	cfg   *config.Config
	podID string
	db    *database.Client // nil with the memory backend
	store *store.Store
	queue queue.Queue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// resolveServerID returns the configured server id or hostname-pid.
func resolveServerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func setup(ctx context.Context) (*runtimeEnv, error) {
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}
	cfg.Server.ServerID = resolveServerID(cfg.Server.ServerID)

	rt := &runtimeEnv{cfg: cfg, podID: resolvePodID()}

	if cfg.Store.Backend == config.StoreBackendMemory {
		slog.Warn("Using in-memory store and queue; state is lost on restart and not shared between replicas")
		rt.store = store.New(store.NewMemoryBackend(), cfg.Store)
		rt.queue = queue.NewMemoryQueue()
		return rt, nil
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load database config: %w", err)
	}
	rt.db, err = database.NewClient(ctx, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("Connected to PostgreSQL database", "host", dbConfig.Host, "database", dbConfig.Database)

	rt.store = store.New(store.NewPostgresBackend(rt.db.DB()), cfg.Store)
	rt.queue = queue.NewPostgresQueue(rt.db.DB())
	return rt, nil
}

func (rt *runtimeEnv) close() {
	if rt.db == nil {
		return
	}
	if err := rt.db.Close(); err != nil {
		slog.Error("Error closing database client", "error", err)
	}
}

// publisher returns the broadcast channel publisher, or nil when there is
// no shared database to carry it.
func (rt *runtimeEnv) publisher() events.Publisher {
	if rt.db == nil {
		return nil
	}
	return events.NewPGPublisher(rt.db.DB(), rt.cfg.Delivery.Channel)
}

// startWorkers recovers this pod's startup orphans and starts the pool.
// Workers keep running after ctx is cancelled until the pool is stopped.
func (rt *runtimeEnv) startWorkers(ctx context.Context, d queue.Deliverer, step time.Duration) (*queue.WorkerPool, error) {
	if err := queue.CleanupStartupOrphans(ctx, rt.queue, rt.store, d, rt.podID); err != nil {
		slog.Error("Failed to cleanup startup orphans", "error", err)
	}

	executor := queue.NewStubExecutor(step).Router()
	pool := queue.NewWorkerPool(rt.podID, rt.queue, rt.store, d, rt.cfg.Queue, executor)
	if err := pool.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}
	return pool, nil
}

func (rt *runtimeEnv) startCleanup(ctx context.Context) *cleanup.Service {
	svc := cleanup.NewService(rt.cfg.Retention, rt.store, rt.queue)
	svc.Start(ctx)
	return svc
}
