package config

import "time"

// ServerConfig controls the client-facing HTTP/WebSocket server.
type ServerConfig struct {
	// HTTPPort is the listen port for the API and WebSocket endpoint.
	HTTPPort string `yaml:"http_port"`

	// ServerID identifies this process in broadcast envelopes.
	// Empty means "hostname-pid".
	ServerID string `yaml:"server_id"`

	// AllowedWSOrigins are host patterns accepted for WebSocket upgrades.
	// Empty means same-origin only.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`

	// WriteTimeout bounds a single outbound WebSocket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ReadLimit is the maximum inbound WebSocket message size in bytes.
	ReadLimit int64 `yaml:"read_limit"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTPPort:        "8080",
		WriteTimeout:    5 * time.Second,
		ReadLimit:       64 * 1024,
		ShutdownTimeout: 10 * time.Second,
	}
}
