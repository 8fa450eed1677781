package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/fleetgate/fleetgate/internal/domain"
)

// Config is the main configuration structure of the control plane.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Routing  RoutingConfig  `yaml:"routing"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Scaling  ScalingConfig  `yaml:"scaling"`
	EventLog EventLogConfig `yaml:"event_log"`

	// Resources declared here are created at startup when they do not
	// already exist in the persistent store.
	LoadBalancers []*domain.LoadBalancer     `yaml:"load_balancers,omitempty"`
	Groups        []*domain.AutoScalingGroup `yaml:"auto_scaling_groups,omitempty"`
}

// ServerConfig contains HTTP API server configuration.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// StorageConfig contains persistence configuration. With persistence
// disabled all state is in-memory only and lost on restart.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RoutingConfig contains router configuration.
type RoutingConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// MetricsConfig contains metrics sampling and retention configuration.
type MetricsConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	Retention      int           `yaml:"retention"`
}

// ScalingConfig contains the automatic evaluation configuration.
type ScalingConfig struct {
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`
}

// EventLogConfig bounds the scaling event history.
type EventLogConfig struct {
	MaxEventsPerGroup int `yaml:"max_events_per_group"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Enabled: true,
			Path:    "data/fleetgate.db",
		},
		Routing: RoutingConfig{
			MaxRetries: 3,
			RetryDelay: 100 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			SampleInterval: 10 * time.Second,
			Retention:      360,
		},
		Scaling: ScalingConfig{
			EvaluationInterval: 30 * time.Second,
		},
		EventLog: EventLogConfig{
			MaxEventsPerGroup: 100,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the
// defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Load resolves the configuration: file named by FLEETGATE_CONFIG when
// present, then environment overrides, then defaults.
func Load() (*Config, error) {
	var config *Config
	if file := os.Getenv("FLEETGATE_CONFIG"); file != "" {
		loaded, err := LoadFromFile(file)
		if err != nil {
			return nil, err
		}
		config = loaded
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// applyEnvOverrides applies FLEETGATE_* environment variables on top of
// the loaded configuration.
func applyEnvOverrides(config *Config) {
	if port := os.Getenv("FLEETGATE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if level := os.Getenv("FLEETGATE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("FLEETGATE_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if path := os.Getenv("FLEETGATE_STORAGE_PATH"); path != "" {
		config.Storage.Path = path
	}
	if enabled := os.Getenv("FLEETGATE_STORAGE_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Storage.Enabled = b
		}
	}
	if interval := os.Getenv("FLEETGATE_EVALUATION_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Scaling.EvaluationInterval = d
		}
	}
	if interval := os.Getenv("FLEETGATE_SAMPLE_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Metrics.SampleInterval = d
		}
	}
}

// Validate validates the configuration for correctness.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	if c.Storage.Enabled && c.Storage.Path == "" {
		return fmt.Errorf("storage.path cannot be empty when storage is enabled")
	}
	if c.Routing.MaxRetries < 0 {
		return fmt.Errorf("routing.max_retries cannot be negative: %d", c.Routing.MaxRetries)
	}
	if c.Metrics.SampleInterval <= 0 {
		return fmt.Errorf("metrics.sample_interval must be positive")
	}
	if c.Metrics.Retention <= 0 {
		return fmt.Errorf("metrics.retention must be positive")
	}
	if c.Scaling.EvaluationInterval <= 0 {
		return fmt.Errorf("scaling.evaluation_interval must be positive")
	}
	if c.EventLog.MaxEventsPerGroup <= 0 {
		return fmt.Errorf("event_log.max_events_per_group must be positive")
	}

	for i, lb := range c.LoadBalancers {
		if err := lb.Validate(); err != nil {
			return fmt.Errorf("load_balancers[%d]: %w", i, err)
		}
	}
	for i, g := range c.Groups {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("auto_scaling_groups[%d]: %w", i, err)
		}
	}
	return nil
}
