package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// admissionStatsHandler handles GET /api/v1/admission/stats.
func (s *Server) admissionStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.gate.Stats())
}

// blockIPHandler handles POST /api/v1/admission/blocked.
func (s *Server) blockIPHandler(c *gin.Context) {
	var req BlockIPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	s.gate.BlockIP(req.IP, req.Reason)
	slog.Info("IP blocked via API", "ip", req.IP, "operator", operator(c))
	c.JSON(http.StatusOK, BlockResponse{IP: req.IP, Blocked: true})
}

// unblockIPHandler handles DELETE /api/v1/admission/blocked/:ip.
func (s *Server) unblockIPHandler(c *gin.Context) {
	ip := c.Param("ip")
	if !s.gate.UnblockIP(ip) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "ip is not blocked"})
		return
	}
	slog.Info("IP unblocked via API", "ip", ip, "operator", operator(c))
	c.JSON(http.StatusOK, BlockResponse{IP: ip, Blocked: false})
}
