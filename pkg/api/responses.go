package api

import (
	"github.com/codeready-toolchain/askrelay/pkg/database"
	"github.com/codeready-toolchain/askrelay/pkg/events"
	"github.com/codeready-toolchain/askrelay/pkg/hooks"
	"github.com/codeready-toolchain/askrelay/pkg/version"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthCheck is the status of one component.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status            string                 `json:"status"`
	Version           version.Build          `json:"version"`
	ServerID          string                 `json:"server_id"`
	ActiveConnections int                    `json:"active_connections"`
	Checks            map[string]HealthCheck `json:"checks"`
	Database          *database.HealthStatus `json:"database,omitempty"`
}

// HooksResponse is returned by GET /api/v1/hooks.
type HooksResponse struct {
	Hooks      []hooks.HookInfo       `json:"hooks"`
	Monitoring *hooks.MonitoringStats `json:"monitoring,omitempty"`
	Analytics  map[string]int64       `json:"analytics,omitempty"`
}

// HookToggleResponse is returned by the hook enable/disable endpoints.
type HookToggleResponse struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// BlockResponse is returned by the blocklist endpoints.
type BlockResponse struct {
	IP      string `json:"ip"`
	Blocked bool   `json:"blocked"`
}

// DeliveryStatsResponse is returned by GET /api/v1/delivery/stats.
type DeliveryStatsResponse struct {
	events.DeliveryStats
	ActiveConnections int `json:"active_connections"`
}
