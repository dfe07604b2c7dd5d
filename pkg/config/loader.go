package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "askrelay.yaml"

// AskrelayYAMLConfig represents the complete askrelay.yaml file structure.
// Every section is optional; unset fields keep their built-in defaults.
type AskrelayYAMLConfig struct {
	Server    *ServerConfig    `yaml:"server"`
	Admission *AdmissionConfig `yaml:"admission"`
	Store     *StoreConfig     `yaml:"store"`
	Delivery  *DeliveryConfig  `yaml:"delivery"`
	Queue     *QueueConfig     `yaml:"queue"`
	Hooks     *HooksConfig     `yaml:"hooks"`
	Retention *RetentionConfig `yaml:"retention"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Read askrelay.yaml from configDir
//  2. Expand {{.VAR}} environment references
//  3. Parse YAML
//  4. Merge user values over built-in defaults
//  5. Validate
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"store_backend", cfg.Store.Backend,
		"counter_backend", cfg.Admission.CounterBackend,
		"storage_connect_policy", cfg.Hooks.StorageConnectPolicy,
		"worker_count", cfg.Queue.WorkerCount)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	var user AskrelayYAMLConfig
	if err := loadYAML(filepath.Join(configDir, FileName), &user); err != nil {
		return nil, NewLoadError(FileName, err)
	}

	cfg := Default()
	cfg.configDir = configDir

	merges := []struct {
		name     string
		dst, src any
		present  bool
	}{
		{"server", cfg.Server, user.Server, user.Server != nil},
		{"admission", cfg.Admission, user.Admission, user.Admission != nil},
		{"store", cfg.Store, user.Store, user.Store != nil},
		{"delivery", cfg.Delivery, user.Delivery, user.Delivery != nil},
		{"queue", cfg.Queue, user.Queue, user.Queue != nil},
		{"hooks", cfg.Hooks, user.Hooks, user.Hooks != nil},
		{"retention", cfg.Retention, user.Retention, user.Retention != nil},
	}
	for _, m := range merges {
		if !m.present {
			continue
		}
		// Non-zero user values override defaults.
		if err := mergo.Merge(m.dst, m.src, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge %s config: %w", m.name, err)
		}
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

func loadYAML(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}
