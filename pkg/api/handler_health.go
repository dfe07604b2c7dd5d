package api

import (
	"context"
	"net/http"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/database"
	"github.com/codeready-toolchain/askrelay/pkg/version"
	"github.com/gin-gonic/gin"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// The state store being unreachable only degrades the process: connections
// and delivery keep working without persistence. The database is required
// when configured, since the queue and broadcast channel live there.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := &HealthResponse{
		Status:   healthStatusHealthy,
		Version:  version.Info(),
		ServerID: s.cfg.ServerID,
		Checks:   make(map[string]HealthCheck),
	}
	degrade := func() {
		if resp.Status == healthStatusHealthy {
			resp.Status = healthStatusDegraded
		}
	}

	if s.dbClient != nil {
		dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
		resp.Database = dbHealth
		if err != nil {
			resp.Status = healthStatusUnhealthy
			resp.Checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			resp.Checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if err := s.store.Ping(reqCtx); err != nil {
		degrade()
		resp.Checks["store"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
	} else {
		resp.Checks["store"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.workerPool != nil {
		poolHealth := s.workerPool.Health(reqCtx)
		if poolHealth != nil && !poolHealth.IsHealthy {
			degrade()
			msg := healthStatusUnhealthy
			if poolHealth.QueueError != "" {
				msg = poolHealth.QueueError
			}
			resp.Checks["worker_pool"] = HealthCheck{Status: healthStatusDegraded, Message: msg}
		} else {
			resp.Checks["worker_pool"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.conns != nil {
		resp.ActiveConnections = s.conns.ActiveConnections()
	}

	httpStatus := http.StatusOK
	if resp.Status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, resp)
}
