package config

import "time"

// DeliveryConfig controls result broadcasting and reconciliation.
type DeliveryConfig struct {
	// Channel is the PostgreSQL NOTIFY channel shared by all server processes.
	Channel string `yaml:"channel"`

	// ReconcileInterval is how often watched tasks are re-read from the store.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	// ReconcileGrace is how long after submission a task is left to the push
	// path before the sweep starts checking it.
	ReconcileGrace time.Duration `yaml:"reconcile_grace"`
	// ReconcileMaxAge drops a watched task that never reached a terminal state.
	ReconcileMaxAge time.Duration `yaml:"reconcile_max_age"`

	// LedgerTTL is how long per-task delivery records are kept after the
	// last delivery.
	LedgerTTL time.Duration `yaml:"ledger_ttl"`

	// PersistAnswerTimeout bounds the background write of an answer to history.
	PersistAnswerTimeout time.Duration `yaml:"persist_answer_timeout"`
}

// DefaultDeliveryConfig returns the built-in delivery defaults.
func DefaultDeliveryConfig() *DeliveryConfig {
	return &DeliveryConfig{
		Channel:              "askrelay_events",
		ReconcileInterval:    1 * time.Second,
		ReconcileGrace:       5 * time.Second,
		ReconcileMaxAge:      30 * time.Minute,
		LedgerTTL:            1 * time.Hour,
		PersistAnswerTimeout: 5 * time.Second,
	}
}
