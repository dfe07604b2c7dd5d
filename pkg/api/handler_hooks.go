package api

import (
	"log/slog"
	"net/http"

	"github.com/codeready-toolchain/askrelay/pkg/hooks"
	"github.com/gin-gonic/gin"
)

// listHooksHandler handles GET /api/v1/hooks.
func (s *Server) listHooksHandler(c *gin.Context) {
	resp := HooksResponse{Hooks: s.pipeline.Info()}
	if h, ok := s.pipeline.Get(hooks.MonitoringHookName); ok {
		if m, ok := h.(*hooks.MonitoringHook); ok {
			stats := m.Stats()
			resp.Monitoring = &stats
		}
	}
	if h, ok := s.pipeline.Get(hooks.AnalyticsHookName); ok {
		if a, ok := h.(*hooks.AnalyticsHook); ok {
			resp.Analytics = a.Counts()
		}
	}
	c.JSON(http.StatusOK, resp)
}

// enableHookHandler handles POST /api/v1/hooks/:name/enable.
func (s *Server) enableHookHandler(c *gin.Context) {
	s.toggleHook(c, true)
}

// disableHookHandler handles POST /api/v1/hooks/:name/disable.
func (s *Server) disableHookHandler(c *gin.Context) {
	s.toggleHook(c, false)
}

func (s *Server) toggleHook(c *gin.Context, enabled bool) {
	name := c.Param("name")
	toggle := s.pipeline.Disable
	if enabled {
		toggle = s.pipeline.Enable
	}
	if err := toggle(name); err != nil {
		abortWithError(c, err)
		return
	}
	slog.Info("Hook toggled", "hook", name, "enabled", enabled, "operator", operator(c))
	c.JSON(http.StatusOK, HookToggleResponse{Name: name, Enabled: enabled})
}
