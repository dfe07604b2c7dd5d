package config

import "time"

// RetentionConfig controls purging of expired store rows and finished jobs.
type RetentionConfig struct {
	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// CompletedJobTTL is how long finished queue rows are kept.
	CompletedJobTTL time.Duration `yaml:"completed_job_ttl"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		CleanupInterval: 10 * time.Minute,
		CompletedJobTTL: 24 * time.Hour,
	}
}
