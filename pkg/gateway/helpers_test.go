package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/admission"
	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/events"
	"github.com/codeready-toolchain/askrelay/pkg/hooks"
	"github.com/codeready-toolchain/askrelay/pkg/queue"
	"github.com/codeready-toolchain/askrelay/pkg/store"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	cfg         *config.Config
	server      *httptest.Server
	gateway     *Gateway
	gate        *admission.Gate
	store       *store.Store
	backend     *store.MemoryBackend
	queue       *queue.MemoryQueue
	registry    *events.Registry
	broadcaster *events.Broadcaster
	reconciler  *events.Reconciler
	pipeline    *hooks.Pipeline
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ServerID = "test-server"
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{cfg: cfg}
	env.backend = store.NewMemoryBackend()
	env.store = store.New(env.backend, cfg.Store)
	env.gate = admission.NewGate(cfg.Admission, nil)
	env.queue = queue.NewMemoryQueue()
	env.registry = events.NewRegistry()
	env.broadcaster = events.NewBroadcaster(env.registry, nil, env.store, cfg.Server.ServerID, cfg.Delivery)
	env.reconciler = events.NewReconciler(env.store, env.broadcaster, cfg.Delivery)

	pipeline, err := hooks.Build(cfg.Hooks, hooks.Builtins(env.gate, env.store, cfg.Hooks)...)
	require.NoError(t, err)
	env.pipeline = pipeline

	env.gateway = New(cfg.Server, pipeline, env.registry, env.gate, env.store,
		queue.NewSubmitter(env.queue, env.store), env.reconciler)
	env.server = httptest.NewServer(env.gateway)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) monitoring(t *testing.T) *hooks.MonitoringHook {
	t.Helper()
	h, ok := e.pipeline.Get(hooks.MonitoringHookName)
	require.True(t, ok)
	return h.(*hooks.MonitoringHook)
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dial(t *testing.T) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return &testClient{t: t, conn: conn}
}

// connect dials and consumes the connected event.
func (e *testEnv) connect(t *testing.T) (*testClient, string) {
	t.Helper()
	c := e.dial(t)
	var connected ConnectedPayload
	c.expect(events.EventConnected, &connected)
	require.NotEmpty(t, connected.SessionID)
	return c, connected.SessionID
}

func (c *testClient) send(event string, data any) {
	c.t.Helper()
	frame, err := events.EncodeMessage(event, data)
	require.NoError(c.t, err)
	c.sendRaw(frame)
}

func (c *testClient) sendRaw(frame []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, frame))
}

func (c *testClient) read() (events.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return events.Message{}, err
	}
	var msg events.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return events.Message{}, err
	}
	return msg, nil
}

// expect reads the next frame, requires its event name and decodes its data.
func (c *testClient) expect(event string, v any) {
	c.t.Helper()
	msg, err := c.read()
	require.NoError(c.t, err)
	require.Equal(c.t, event, msg.Event, "unexpected frame: %s", string(msg.Data))
	if v != nil {
		require.NoError(c.t, json.Unmarshal(msg.Data, v))
	}
}

func (c *testClient) expectError() ErrorPayload {
	c.t.Helper()
	var p ErrorPayload
	c.expect(events.EventError, &p)
	return p
}
