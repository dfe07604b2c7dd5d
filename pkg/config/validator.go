package config

import (
	"fmt"
	"strconv"
	"time"
)

// ConfigValidator validates configuration with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll validates every section, stopping at the first error.
func (v *ConfigValidator) ValidateAll() error {
	checks := []func() error{
		v.validateServer,
		v.validateAdmission,
		v.validateStore,
		v.validateDelivery,
		v.validateQueue,
		v.validateHooks,
		v.validateRetention,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s == nil {
		return NewValidationError("server", "", ErrMissingRequiredField)
	}
	if err := validatePort(s.HTTPPort); err != nil {
		return NewValidationError("server", "http_port", err)
	}
	if s.WriteTimeout <= 0 {
		return NewValidationError("server", "write_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if s.ReadLimit < 1024 {
		return NewValidationError("server", "read_limit", fmt.Errorf("%w: must be at least 1024 bytes", ErrInvalidValue))
	}
	if s.ShutdownTimeout <= 0 {
		return NewValidationError("server", "shutdown_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateAdmission() error {
	a := v.cfg.Admission
	if a == nil {
		return NewValidationError("admission", "", ErrMissingRequiredField)
	}
	if a.MaxConnectionsPerIP < 1 {
		return NewValidationError("admission", "max_connections_per_ip", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if a.MaxQuestionsPerWindow < 1 {
		return NewValidationError("admission", "max_questions_per_window", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if a.QuestionWindow <= 0 {
		return NewValidationError("admission", "question_window", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if a.MinQuestionLength < 1 {
		return NewValidationError("admission", "min_question_length", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if a.MaxQuestionLength < a.MinQuestionLength {
		return NewValidationError("admission", "max_question_length", fmt.Errorf("%w: must be >= min_question_length", ErrInvalidValue))
	}
	if !a.CounterBackend.IsValid() {
		return NewValidationError("admission", "counter_backend", fmt.Errorf("%w: %q", ErrInvalidValue, a.CounterBackend))
	}
	if a.CounterBackend == CounterBackendStore && v.cfg.Store != nil && v.cfg.Store.Backend == StoreBackendMemory {
		return NewValidationError("admission", "counter_backend", fmt.Errorf("%w: store counters need the postgres store backend", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateStore() error {
	s := v.cfg.Store
	if s == nil {
		return NewValidationError("store", "", ErrMissingRequiredField)
	}
	if !s.Backend.IsValid() {
		return NewValidationError("store", "backend", fmt.Errorf("%w: %q", ErrInvalidValue, s.Backend))
	}
	durations := []struct {
		field string
		value time.Duration
	}{
		{"session_ttl", s.SessionTTL},
		{"task_ttl", s.TaskTTL},
		{"history_ttl", s.HistoryTTL},
		{"operation_timeout", s.OperationTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return NewValidationError("store", d.field, fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
	}
	if s.DefaultHistoryLimit < 1 || s.DefaultHistoryLimit > s.MaxHistoryLimit {
		return NewValidationError("store", "default_history_limit", fmt.Errorf("%w: must be between 1 and max_history_limit", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateDelivery() error {
	d := v.cfg.Delivery
	if d == nil {
		return NewValidationError("delivery", "", ErrMissingRequiredField)
	}
	if d.Channel == "" {
		return NewValidationError("delivery", "channel", ErrMissingRequiredField)
	}
	if d.ReconcileInterval <= 0 {
		return NewValidationError("delivery", "reconcile_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if d.ReconcileMaxAge <= d.ReconcileGrace {
		return NewValidationError("delivery", "reconcile_max_age", fmt.Errorf("%w: must exceed reconcile_grace", ErrInvalidValue))
	}
	if d.LedgerTTL <= 0 {
		return NewValidationError("delivery", "ledger_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if d.PersistAnswerTimeout <= 0 {
		return NewValidationError("delivery", "persist_answer_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue
	if q == nil {
		return NewValidationError("queue", "", ErrMissingRequiredField)
	}
	if q.WorkerCount < 1 || q.WorkerCount > 50 {
		return NewValidationError("queue", "worker_count", fmt.Errorf("%w: must be between 1 and 50", ErrInvalidValue))
	}
	if q.PollInterval <= 0 {
		return NewValidationError("queue", "poll_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.PollIntervalJitter < 0 || q.PollIntervalJitter >= q.PollInterval {
		return NewValidationError("queue", "poll_interval_jitter", fmt.Errorf("%w: must be in [0, poll_interval)", ErrInvalidValue))
	}
	if q.TaskTimeout <= 0 {
		return NewValidationError("queue", "task_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.HeartbeatInterval <= 0 || q.HeartbeatInterval >= q.OrphanThreshold {
		return NewValidationError("queue", "heartbeat_interval", fmt.Errorf("%w: must be positive and below orphan_threshold", ErrInvalidValue))
	}
	if q.OrphanDetectionInterval <= 0 {
		return NewValidationError("queue", "orphan_detection_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if err := validatePort(q.HealthPort); err != nil {
		return NewValidationError("queue", "health_port", err)
	}
	return nil
}

func (v *ConfigValidator) validateHooks() error {
	h := v.cfg.Hooks
	if h == nil {
		return NewValidationError("hooks", "", ErrMissingRequiredField)
	}
	if !h.StorageConnectPolicy.IsValid() {
		return NewValidationError("hooks", "storage_connect_policy", fmt.Errorf("%w: %q", ErrInvalidValue, h.StorageConnectPolicy))
	}
	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention
	if r == nil {
		return NewValidationError("retention", "", ErrMissingRequiredField)
	}
	if r.CleanupInterval <= 0 {
		return NewValidationError("retention", "cleanup_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.CompletedJobTTL <= 0 {
		return NewValidationError("retention", "completed_job_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func validatePort(p string) error {
	n, err := strconv.Atoi(p)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%w: port %q", ErrInvalidValue, p)
	}
	return nil
}
