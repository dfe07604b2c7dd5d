package api

import (
	"net/http"

	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/gin-gonic/gin"
)

// storeStatsHandler handles GET /api/v1/store/stats.
func (s *Server) storeStatsHandler(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *gin.Context) {
	sessions, err := s.store.ListSessions(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	c.JSON(http.StatusOK, models.SessionListResponse{Sessions: sessions, TotalCount: len(sessions)})
}

// sessionHistoryHandler handles GET /api/v1/sessions/:id/history?limit=N.
func (s *Server) sessionHistoryHandler(c *gin.Context) {
	sessionID := c.Param("id")
	var q HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	history, err := s.store.GetSessionHistory(c.Request.Context(), sessionID, q.Limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if history == nil {
		history = []*models.HistoryEntry{}
	}
	c.JSON(http.StatusOK, models.HistoryResponse{SessionID: sessionID, History: history})
}

// taskStatusHandler handles GET /api/v1/sessions/:id/tasks/:taskId.
func (s *Server) taskStatusHandler(c *gin.Context) {
	task, err := s.store.GetTaskStatus(c.Request.Context(), c.Param("id"), c.Param("taskId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// deliveryStatsHandler handles GET /api/v1/delivery/stats.
func (s *Server) deliveryStatsHandler(c *gin.Context) {
	resp := DeliveryStatsResponse{DeliveryStats: s.delivery.Stats()}
	if s.conns != nil {
		resp.ActiveConnections = s.conns.ActiveConnections()
	}
	c.JSON(http.StatusOK, resp)
}
