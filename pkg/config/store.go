package config

import "time"

// StoreBackend selects the shared state store implementation.
type StoreBackend string

const (
	StoreBackendPostgres StoreBackend = "postgres"
	// StoreBackendMemory is only shared within one process.
	StoreBackendMemory StoreBackend = "memory"
)

// IsValid reports whether b is a known store backend.
func (b StoreBackend) IsValid() bool {
	return b == StoreBackendPostgres || b == StoreBackendMemory
}

// StoreConfig controls the distributed state store.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend"`

	SessionTTL time.Duration `yaml:"session_ttl"`
	TaskTTL    time.Duration `yaml:"task_ttl"`
	HistoryTTL time.Duration `yaml:"history_ttl"`

	// OperationTimeout bounds every store call.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// DefaultHistoryLimit applies when a client does not pass a limit.
	DefaultHistoryLimit int `yaml:"default_history_limit"`
	// MaxHistoryLimit caps any requested limit.
	MaxHistoryLimit int `yaml:"max_history_limit"`
}

// DefaultStoreConfig returns the built-in store defaults.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Backend:             StoreBackendPostgres,
		SessionTTL:          24 * time.Hour,
		TaskTTL:             24 * time.Hour,
		HistoryTTL:          7 * 24 * time.Hour,
		OperationTimeout:    2 * time.Second,
		DefaultHistoryLimit: 20,
		MaxHistoryLimit:     200,
	}
}
