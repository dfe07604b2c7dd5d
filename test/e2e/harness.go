// Package e2e provides end-to-end test infrastructure for askrelay replicas
// sharing one PostgreSQL database.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/askrelay/pkg/admission"
	"github.com/codeready-toolchain/askrelay/pkg/api"
	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/database"
	"github.com/codeready-toolchain/askrelay/pkg/events"
	"github.com/codeready-toolchain/askrelay/pkg/gateway"
	"github.com/codeready-toolchain/askrelay/pkg/hooks"
	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/codeready-toolchain/askrelay/pkg/queue"
	"github.com/codeready-toolchain/askrelay/pkg/store"
	testdb "github.com/codeready-toolchain/askrelay/test/database"
	"github.com/codeready-toolchain/askrelay/test/util"
)

// TestApp boots one askrelay replica for e2e testing.
type TestApp struct {
	// Core
	Config   *config.Config
	DBClient *database.Client
	Store    *store.Store
	Queue    *queue.PostgresQueue

	// Real infrastructure
	Gate           *admission.Gate
	Pipeline       *hooks.Pipeline
	Registry       *events.Registry
	Broadcaster    *events.Broadcaster
	Reconciler     *events.Reconciler
	NotifyListener *events.NotifyListener
	WorkerPool     *queue.WorkerPool // nil with zero workers
	Server         *api.Server

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	workerCount int
	dbClient    *database.Client // injected DB client (for multi-replica tests)
	podID       string
	channel     string
	executor    queue.Executor
	mutate      func(*config.Config)
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithWorkerCount sets the number of worker pool goroutines. Zero runs an
// API/WebSocket-only replica.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// WithDBClient injects a pre-created database client, skipping the default
// per-test schema creation. Used for multi-replica tests where multiple
// TestApp instances share the same database schema.
func WithDBClient(client *database.Client) TestAppOption {
	return func(c *testAppConfig) { c.dbClient = client }
}

// WithPodID overrides the auto-generated pod ID. It is also the replica's
// server id and worker id prefix.
func WithPodID(id string) TestAppOption {
	return func(c *testAppConfig) { c.podID = id }
}

// WithChannel sets the broadcast channel. Replicas that should see each
// other's events must share it.
func WithChannel(ch string) TestAppOption {
	return func(c *testAppConfig) { c.channel = ch }
}

// WithExecutor replaces the stub executor.
func WithExecutor(ex queue.Executor) TestAppOption {
	return func(c *testAppConfig) { c.executor = ex }
}

// WithConfig applies fn to the replica config after test defaults are set.
func WithConfig(fn func(*config.Config)) TestAppOption {
	return func(c *testAppConfig) { c.mutate = fn }
}

// NewTestApp creates and starts a replica. Shutdown is registered via
// t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{workerCount: 1}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.podID == "" {
		tc.podID = fmt.Sprintf("e2e-%s", strings.ReplaceAll(t.Name(), "/", "-"))
	}
	if tc.channel == "" {
		tc.channel = util.UniqueChannel(t)
	}
	if tc.executor == nil {
		tc.executor = queue.NewStubExecutor(20 * time.Millisecond).Router()
	}

	cfg := defaultTestConfig(tc)
	if tc.mutate != nil {
		tc.mutate(cfg)
	}

	// 1. Database.
	dbClient := tc.dbClient
	if dbClient == nil {
		dbClient = testdb.NewTestClient(t)
	}
	st := store.New(store.NewPostgresBackend(dbClient.DB()), cfg.Store)
	q := queue.NewPostgresQueue(dbClient.DB())

	// 2. Delivery.
	gate := admission.NewGate(cfg.Admission, nil)
	pipeline, err := hooks.Build(cfg.Hooks, hooks.Builtins(gate, st, cfg.Hooks)...)
	require.NoError(t, err)
	registry := events.NewRegistry()
	broadcaster := events.NewBroadcaster(registry, events.NewPGPublisher(dbClient.DB(), cfg.Delivery.Channel),
		st, cfg.Server.ServerID, cfg.Delivery)
	reconciler := events.NewReconciler(st, broadcaster, cfg.Delivery)

	// 3. NotifyListener on a dedicated pgx connection.
	ctx, cancel := context.WithCancel(context.Background())
	notifyListener := events.NewNotifyListener(dbClient.DSN(), cfg.Delivery.Channel, broadcaster.HandleBroadcast)
	require.NoError(t, notifyListener.Start(ctx))
	go reconciler.Run(ctx)

	// 4. Worker pool.
	var workerPool *queue.WorkerPool
	if tc.workerCount > 0 {
		require.NoError(t, queue.CleanupStartupOrphans(ctx, q, st, broadcaster, tc.podID))
		workerPool = queue.NewWorkerPool(tc.podID, q, st, broadcaster, cfg.Queue, tc.executor)
		require.NoError(t, workerPool.Start(context.Background()))
	}

	// 5. HTTP server on a random port.
	gw := gateway.New(cfg.Server, pipeline, registry, gate, st, queue.NewSubmitter(q, st), reconciler)
	server := api.NewServer(cfg.Server, pipeline, gate, st, broadcaster, gw)
	server.SetDatabase(dbClient)
	if workerPool != nil {
		server.SetWorkerPool(workerPool)
	}
	httpServer := httptest.NewServer(server.Handler())

	app := &TestApp{
		Config:         cfg,
		DBClient:       dbClient,
		Store:          st,
		Queue:          q,
		Gate:           gate,
		Pipeline:       pipeline,
		Registry:       registry,
		Broadcaster:    broadcaster,
		Reconciler:     reconciler,
		NotifyListener: notifyListener,
		WorkerPool:     workerPool,
		Server:         server,
		BaseURL:        httpServer.URL,
		WSURL:          "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
	}

	// Register cleanup in reverse-creation order.
	t.Cleanup(func() {
		if workerPool != nil {
			workerPool.Stop()
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			t.Logf("server shutdown: %v", err)
		}
		shutdownCancel()
		httpServer.CloseClientConnections()
		httpServer.Close()
		cancel()
		notifyListener.Stop(context.Background())
		broadcaster.Wait()
		// DB cleanup handled by testdb.NewTestClient/SetupTestDatabase
	})

	return app
}

// defaultTestConfig shortens every interval so tests finish quickly.
func defaultTestConfig(tc *testAppConfig) *config.Config {
	cfg := config.Default()
	cfg.Server.ServerID = tc.podID

	cfg.Queue.WorkerCount = tc.workerCount
	cfg.Queue.PollInterval = 50 * time.Millisecond
	cfg.Queue.PollIntervalJitter = 25 * time.Millisecond
	cfg.Queue.TaskTimeout = 10 * time.Second
	cfg.Queue.HeartbeatInterval = time.Second
	cfg.Queue.GracefulShutdownTimeout = 5 * time.Second
	cfg.Queue.OrphanDetectionInterval = time.Minute
	cfg.Queue.OrphanThreshold = time.Minute

	cfg.Delivery.Channel = tc.channel
	cfg.Delivery.ReconcileInterval = 100 * time.Millisecond
	cfg.Delivery.ReconcileGrace = time.Second

	cfg.Admission.MaxQuestionsPerWindow = 100
	return cfg
}

// GetJSON fetches path from the admin API and decodes the body into v.
func (a *TestApp) GetJSON(t *testing.T, path string, v any) {
	t.Helper()
	resp, err := http.Get(a.BaseURL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET %s", path)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// GetHistory returns a session's history, newest first, via the admin API.
func (a *TestApp) GetHistory(t *testing.T, sessionID string) []*models.HistoryEntry {
	t.Helper()
	var resp models.HistoryResponse
	a.GetJSON(t, "/api/v1/sessions/"+sessionID+"/history", &resp)
	return resp.History
}

// WaitForTaskState polls the shared store until the task reaches state.
func (a *TestApp) WaitForTaskState(t *testing.T, sessionID, taskID string, state models.TaskState) *models.Task {
	t.Helper()
	var task *models.Task
	require.Eventually(t, func() bool {
		got, err := a.Store.GetTaskStatus(context.Background(), sessionID, taskID)
		if err != nil {
			return false
		}
		task = got
		return got.State == state
	}, 10*time.Second, 25*time.Millisecond, "task %s never reached %s", taskID, state)
	return task
}
