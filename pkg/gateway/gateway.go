// Package gateway serves client WebSocket connections: it runs the hook
// pipeline around connect, disconnect and question events, submits tasks,
// and answers history and room requests.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/admission"
	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/events"
	"github.com/codeready-toolchain/askrelay/pkg/hooks"
	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// disconnectTimeout bounds the disconnect hooks, which run after the
// request context is already done.
const disconnectTimeout = 10 * time.Second

// Gate validates room and read requests.
type Gate interface {
	VerifyRoomAccess(room string) error
	VerifySuggestionAccess(sessionID, question string) error
	VerifyHistoryAccess(sessionID string) error
}

// SessionStore is the part of the state store the gateway reads and writes
// directly. Session and question persistence go through the storage hook.
type SessionStore interface {
	TouchSession(ctx context.Context, sessionID string) error
	GetSessionHistory(ctx context.Context, sessionID string, limit int) ([]*models.HistoryEntry, error)
	ClearSessionHistory(ctx context.Context, sessionID string) error
}

// TaskSubmitter enqueues work for the worker pool.
type TaskSubmitter interface {
	Submit(ctx context.Context, kind models.TaskKind, sessionID string, payload any) (string, error)
}

// TaskWatcher is told about every submitted task so a lost terminal event
// can be recovered.
type TaskWatcher interface {
	Watch(sessionID, taskID string)
}

// Gateway accepts WebSocket connections and dispatches their events.
type Gateway struct {
	cfg       *config.ServerConfig
	pipeline  *hooks.Pipeline
	registry  *events.Registry
	gate      Gate
	store     SessionStore
	submitter TaskSubmitter
	watcher   TaskWatcher

	// lifetime is cancelled by Shutdown and ends every connection's context;
	// hijacked connections are not closed by http.Server.Shutdown.
	lifetime context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	closing  bool
	active   sync.WaitGroup
}

// New creates a gateway. watcher may be nil.
func New(cfg *config.ServerConfig, pipeline *hooks.Pipeline, registry *events.Registry,
	gate Gate, st SessionStore, submitter TaskSubmitter, watcher TaskWatcher) *Gateway {
	lifetime, stop := context.WithCancel(context.Background())
	return &Gateway{
		cfg:       cfg,
		pipeline:  pipeline,
		registry:  registry,
		gate:      gate,
		store:     st,
		submitter: submitter,
		watcher:   watcher,
		lifetime:  lifetime,
		stop:      stop,
	}
}

// ServeHTTP upgrades the request to a WebSocket and blocks until the
// connection closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	g.active.Add(1)
	g.mu.Unlock()
	defer g.active.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	unlink := context.AfterFunc(g.lifetime, cancel)
	defer unlink()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.AllowedWSOrigins,
	})
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	g.HandleConnection(ctx, conn, admission.ClientIP(r), r.UserAgent())
}

// Shutdown refuses new connections, ends the open ones and waits until their
// disconnect hooks have run or ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()
	g.stop()

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d connections to close: %w", g.registry.Len(), ctx.Err())
	}
}

// ActiveConnections returns the number of connections held by this process.
func (g *Gateway) ActiveConnections() int {
	return g.registry.Len()
}

// connection is the per-connection state owned by its read loop.
type connection struct {
	client    *wsClient
	sessionID string
	clientIP  string
	log       *slog.Logger
}

// HandleConnection runs the lifecycle of one accepted connection: connect
// hooks, the read loop, then disconnect hooks. It blocks until the
// connection closes.
func (g *Gateway) HandleConnection(ctx context.Context, conn *websocket.Conn, clientIP, userAgent string) {
	if g.cfg.ReadLimit > 0 {
		conn.SetReadLimit(g.cfg.ReadLimit)
	}

	c := &connection{
		client:    newWSClient(uuid.NewString(), conn, g.cfg.WriteTimeout),
		sessionID: uuid.NewString(),
		clientIP:  clientIP,
	}
	c.log = slog.With("connection_id", c.client.id, "session_id", c.sessionID, "client_ip", clientIP)

	connectEv := &hooks.ConnectEvent{
		SessionID:   c.sessionID,
		ClientIP:    clientIP,
		UserAgent:   userAgent,
		ServerID:    g.cfg.ServerID,
		ConnectedAt: time.Now(),
	}

	if err := g.pipeline.ExecuteBeforeConnect(ctx, connectEv); err != nil {
		g.reject(ctx, c, err)
		return
	}

	g.registry.Add(c.client, c.sessionID)

	if err := g.pipeline.ExecuteAfterConnect(ctx, connectEv); err != nil {
		g.registry.Remove(c.client.id)
		g.reject(ctx, c, err)
		return
	}

	c.log.Info("Client connected")
	g.send(ctx, c, events.EventConnected, ConnectedPayload{
		SessionID: c.sessionID,
		Message:   "connected",
	})

	reason := g.readLoop(ctx, c)
	g.registry.Remove(c.client.id)
	g.disconnect(ctx, c, reason)
	c.client.flush()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// reject reports a failed connect, runs the disconnect hooks so anything a
// passing hook acquired is released, and closes the connection.
func (g *Gateway) reject(ctx context.Context, c *connection, err error) {
	c.log.Info("Connection rejected", "error", err)
	g.send(ctx, c, events.EventError, toErrorPayload("", err))
	g.disconnect(ctx, c, "rejected")
	c.client.flush()
	_ = c.client.conn.Close(websocket.StatusPolicyViolation, "connection rejected")
}

func (g *Gateway) disconnect(ctx context.Context, c *connection, reason string) {
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()

	ev := &hooks.DisconnectEvent{SessionID: c.sessionID, ClientIP: c.clientIP, Reason: reason}
	// Disconnect hook failures are logged by the pipeline; cleanup continues.
	_ = g.pipeline.ExecuteBeforeDisconnect(hookCtx, ev)
	_ = g.pipeline.ExecuteAfterDisconnect(hookCtx, ev)
	c.log.Info("Client disconnected", "reason", reason)
}

// readLoop processes client messages until the connection closes and
// returns the disconnect reason.
func (g *Gateway) readLoop(ctx context.Context, c *connection) string {
	for {
		_, data, err := c.client.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return "client_closed"
			}
			if ctx.Err() != nil {
				return "server_shutdown"
			}
			return err.Error()
		}

		var msg events.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("Invalid WebSocket message", "error", err)
			g.sendError(ctx, c, "", &admission.ValidationError{Field: "message", Message: "malformed JSON"})
			continue
		}
		g.dispatch(ctx, c, &msg)
	}
}

func (g *Gateway) send(ctx context.Context, c *connection, event string, data any) {
	frame, err := events.EncodeMessage(event, data)
	if err != nil {
		c.log.Error("Failed to encode frame", "event", event, "error", err)
		return
	}
	if err := c.client.Send(ctx, frame); err != nil {
		c.log.Warn("Failed to send to client", "event", event, "error", err)
	}
}

func (g *Gateway) sendError(ctx context.Context, c *connection, event string, err error) {
	g.send(ctx, c, events.EventError, toErrorPayload(event, err))
}
