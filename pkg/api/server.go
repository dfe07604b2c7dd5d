// Package api serves the HTTP surface of a server process: the health
// endpoint, the WebSocket upgrade, and the admin API for hooks, admission,
// the state store and delivery.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/admission"
	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/database"
	"github.com/codeready-toolchain/askrelay/pkg/events"
	"github.com/codeready-toolchain/askrelay/pkg/hooks"
	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/codeready-toolchain/askrelay/pkg/queue"
	"github.com/codeready-toolchain/askrelay/pkg/store"
	"github.com/gin-gonic/gin"
)

// AdmissionAdmin is the admission surface exposed to operators.
type AdmissionAdmin interface {
	Stats() admission.Stats
	BlockIP(ip, reason string)
	UnblockIP(ip string) bool
}

// StateStore is the read side of the state store used by the admin API.
type StateStore interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (*store.Stats, error)
	ListSessions(ctx context.Context) ([]*models.Session, error)
	GetSessionHistory(ctx context.Context, sessionID string, limit int) ([]*models.HistoryEntry, error)
	GetTaskStatus(ctx context.Context, sessionID, taskID string) (*models.Task, error)
}

// DeliveryReporter exposes broadcaster counters.
type DeliveryReporter interface {
	Stats() events.DeliveryStats
}

// WorkerPoolHealth reports the health of in-process workers.
type WorkerPoolHealth interface {
	Health(ctx context.Context) *queue.PoolHealth
}

// ConnectionCounter reports live connections of this process.
type ConnectionCounter interface {
	ActiveConnections() int
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Server is the HTTP server of one askrelay process.
type Server struct {
	cfg        *config.ServerConfig
	engine     *gin.Engine
	httpServer *http.Server

	pipeline   *hooks.Pipeline
	gate       AdmissionAdmin
	store      StateStore
	delivery   DeliveryReporter
	ws         http.Handler
	conns      ConnectionCounter
	dbClient   *database.Client
	workerPool WorkerPoolHealth
}

// NewServer creates the server and registers its routes. ws serves GET /ws;
// when it also implements ConnectionCounter, health reports connections.
func NewServer(cfg *config.ServerConfig, pipeline *hooks.Pipeline, gate AdmissionAdmin,
	st StateStore, delivery DeliveryReporter, ws http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), securityHeaders())

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		pipeline: pipeline,
		gate:     gate,
		store:    st,
		delivery: delivery,
		ws:       ws,
	}
	if cc, ok := ws.(ConnectionCounter); ok {
		s.conns = cc
	}
	s.setupRoutes()
	return s
}

// SetDatabase adds the database to health checks.
func (s *Server) SetDatabase(c *database.Client) {
	s.dbClient = c
}

// SetWorkerPool adds in-process workers to health checks.
func (s *Server) SetWorkerPool(p WorkerPoolHealth) {
	s.workerPool = p
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthHandler)
	if s.ws != nil {
		s.engine.GET("/ws", gin.WrapH(s.ws))
	}

	v1 := s.engine.Group("/api/v1")
	v1.GET("/hooks", s.listHooksHandler)
	v1.POST("/hooks/:name/enable", s.enableHookHandler)
	v1.POST("/hooks/:name/disable", s.disableHookHandler)

	v1.GET("/admission/stats", s.admissionStatsHandler)
	v1.POST("/admission/blocked", s.blockIPHandler)
	v1.DELETE("/admission/blocked/:ip", s.unblockIPHandler)

	v1.GET("/store/stats", s.storeStatsHandler)
	v1.GET("/sessions", s.listSessionsHandler)
	v1.GET("/sessions/:id/history", s.sessionHistoryHandler)
	v1.GET("/sessions/:id/tasks/:taskId", s.taskStatusHandler)

	v1.GET("/delivery/stats", s.deliveryStatsHandler)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured port and blocks until the server stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.HTTPPort,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones, then
// closes WebSocket connections through the handler's own Shutdown, since
// http.Server.Shutdown does not track hijacked connections.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if sd, ok := s.ws.(shutdowner); ok {
		if err := sd.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
