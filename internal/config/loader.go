package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix of every environment variable, e.g. TASKFLOW_SESSION_HEARTBEAT_INTERVAL
	EnvPrefix = "TASKFLOW"

	defaultConfigFile = "config.yaml"
)

// Load builds the configuration from defaults, an optional YAML file and the environment.
// Later sources win: defaults < config.yaml < environment.
func Load() (*Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	path := os.Getenv(EnvPrefix + "_CONFIG_FILE")
	if path == "" {
		path = defaultConfigFile
	}

	cfg := Default()
	if err := LoadFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("error parsing YAML: %w", err)
	}
	return nil
}

// Validate rejects settings the runtime cannot work with
func (c *Config) Validate() error {
	if c.Session.HeartbeatInterval <= 0 {
		return fmt.Errorf("session heartbeat interval must be positive")
	}
	if c.Session.MissedHeartbeats < 1 {
		return fmt.Errorf("session missed heartbeats must be at least 1")
	}
	if c.Broker.QueueSize < 1 {
		return fmt.Errorf("broker queue size must be at least 1")
	}
	if c.Client.MaxAttempts < 1 {
		return fmt.Errorf("client max attempts must be at least 1")
	}
	if c.Client.BackoffInitial <= 0 || c.Client.BackoffMax < c.Client.BackoffInitial {
		return fmt.Errorf("client backoff must satisfy 0 < initial <= max")
	}
	return nil
}
