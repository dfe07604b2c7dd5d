package config

import "time"

// CounterBackend selects where admission counters live.
type CounterBackend string

const (
	// CounterBackendLocal keeps counters in process memory. Limits are then
	// per server process, not per cluster.
	CounterBackendLocal CounterBackend = "local"
	// CounterBackendStore keeps counters in the shared state store so limits
	// hold across all server processes.
	CounterBackendStore CounterBackend = "store"
)

// IsValid reports whether b is a known counter backend.
func (b CounterBackend) IsValid() bool {
	return b == CounterBackendLocal || b == CounterBackendStore
}

// AdmissionConfig holds per-IP admission limits and content rules.
type AdmissionConfig struct {
	MaxConnectionsPerIP   int            `yaml:"max_connections_per_ip"`
	MaxQuestionsPerWindow int            `yaml:"max_questions_per_window"`
	QuestionWindow        time.Duration  `yaml:"question_window"`
	MinQuestionLength     int            `yaml:"min_question_length"`
	MaxQuestionLength     int            `yaml:"max_question_length"`
	BlockedTerms          []string       `yaml:"blocked_terms"`
	BlockedIPs            []string       `yaml:"blocked_ips"`
	CounterBackend        CounterBackend `yaml:"counter_backend"`
}

// DefaultAdmissionConfig returns the built-in admission defaults.
func DefaultAdmissionConfig() *AdmissionConfig {
	return &AdmissionConfig{
		MaxConnectionsPerIP:   10,
		MaxQuestionsPerWindow: 5,
		QuestionWindow:        60 * time.Second,
		MinQuestionLength:     2,
		MaxQuestionLength:     1000,
		BlockedTerms:          []string{"spam", "广告", "垃圾"},
		CounterBackend:        CounterBackendLocal,
	}
}
