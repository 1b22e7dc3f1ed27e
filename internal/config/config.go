package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"taskwell/internal/domain"
)

// Config models taskwell.yml.
type Config struct {
	Limits struct {
		MaxTodos        int `yaml:"max_todos"`
		MaxDependencies int `yaml:"max_dependencies"`
	} `yaml:"limits"`
	Relay struct {
		IntervalSeconds int              `yaml:"interval_seconds"`
		Batch           int              `yaml:"batch"`
		Consumers       []ConsumerConfig `yaml:"consumers"`
	} `yaml:"relay"`
	Server struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// ConsumerConfig is one relay delivery target. An empty Events list means
// every event kind is forwarded.
type ConsumerConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Limits.MaxTodos = domain.DefaultLimits.MaxTodos
	cfg.Limits.MaxDependencies = domain.DefaultLimits.MaxDependencies
	cfg.Relay.IntervalSeconds = 2
	cfg.Relay.Batch = 100
	cfg.Server.BasePath = "/v0"
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Limits.MaxTodos <= 0 {
		return fmt.Errorf("config.limits.max_todos must be positive")
	}
	if c.Limits.MaxDependencies <= 0 {
		return fmt.Errorf("config.limits.max_dependencies must be positive")
	}
	if c.Relay.IntervalSeconds <= 0 {
		return fmt.Errorf("config.relay.interval_seconds must be positive")
	}
	if c.Relay.Batch <= 0 {
		return fmt.Errorf("config.relay.batch must be positive")
	}
	for i, consumer := range c.Relay.Consumers {
		if consumer.URL == "" {
			return fmt.Errorf("config.relay.consumers[%d].url is required", i)
		}
		for _, kind := range consumer.Events {
			if kind == "" {
				return fmt.Errorf("config.relay.consumers[%d] has empty event kind", i)
			}
		}
	}
	return nil
}

// DomainLimits converts the configured limits for the aggregate layer.
func (c *Config) DomainLimits() domain.Limits {
	return domain.Limits{
		MaxTodos:        c.Limits.MaxTodos,
		MaxDependencies: c.Limits.MaxDependencies,
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskwell.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted
// sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
