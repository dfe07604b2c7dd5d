// Package probe exposes the standard gRPC health service for worker
// processes, which have no HTTP listener of their own.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/queue"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// WorkerService is the service name reported alongside the overall ("") status.
const WorkerService = "askrelay.worker"

// PoolHealth reports worker pool health.
type PoolHealth interface {
	Health(ctx context.Context) *queue.PoolHealth
}

// Server serves grpc.health.v1.Health backed by a worker pool.
type Server struct {
	pool     PoolHealth
	interval time.Duration
	grpc     *grpc.Server
	health   *health.Server

	mu     sync.Mutex
	lis    net.Listener
	cancel context.CancelFunc
	done   chan struct{}
}

// NewServer creates a probe that refreshes its status from pool every interval.
func NewServer(pool PoolHealth, interval time.Duration) *Server {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(WorkerService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{pool: pool, interval: interval, grpc: gs, health: hs}
}

// Start listens on addr and serves until Stop.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("probe already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.lis = lis
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.refresh(ctx)
	go s.watch(ctx)
	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			slog.Error("Health probe server stopped", "error", err)
		}
	}()
	slog.Info("Health probe listening", "addr", lis.Addr().String())
	return nil
}

// Addr returns the listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Stop marks every service NOT_SERVING and shuts the server down.
func (s *Server) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) watch(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Server) refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	h := s.pool.Health(ctx)
	if h == nil || !h.IsHealthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(WorkerService, status)
}
