package config

import "time"

// Config holds all configuration for the taskflow server and client
type Config struct {
	Log     LogConfig     `yaml:"log" envconfig:"LOG"`
	Server  ServerConfig  `yaml:"server" envconfig:"SERVER"`
	Redis   RedisConfig   `yaml:"redis" envconfig:"REDIS"`
	Session SessionConfig `yaml:"session" envconfig:"SESSION"`
	Broker  BrokerConfig  `yaml:"broker" envconfig:"BROKER"`
	Client  ClientConfig  `yaml:"client" envconfig:"CLIENT"`
}

// LogConfig configures the zerolog logger
type LogConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL"`
	Format     string `yaml:"format" envconfig:"FORMAT"` // json, console
	Output     string `yaml:"output" envconfig:"OUTPUT"` // stdout, stderr, file
	FilePath   string `yaml:"file_path" envconfig:"FILE_PATH"`
	TimeFormat string `yaml:"time_format" envconfig:"TIME_FORMAT"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// RedisConfig holds Redis configuration. An empty URL selects in-memory backends.
type RedisConfig struct {
	URL       string `yaml:"url" envconfig:"URL"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// SessionConfig configures server-side connections
type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL"`
	MissedHeartbeats  int           `yaml:"missed_heartbeats" envconfig:"MISSED_HEARTBEATS"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" envconfig:"HANDSHAKE_TIMEOUT"`
	PresenceTTL       time.Duration `yaml:"presence_ttl" envconfig:"PRESENCE_TTL"`
}

// HeartbeatTimeout is how long a connection may stay silent before it is dropped
func (c SessionConfig) HeartbeatTimeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.MissedHeartbeats)
}

// BrokerConfig configures the workspace channel broker
type BrokerConfig struct {
	QueueSize int `yaml:"queue_size" envconfig:"QUEUE_SIZE"`
}

// ClientConfig configures the live-update client
type ClientConfig struct {
	ServerURL         string        `yaml:"server_url" envconfig:"SERVER_URL"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL"`
	MissedHeartbeats  int           `yaml:"missed_heartbeats" envconfig:"MISSED_HEARTBEATS"`
	BackoffInitial    time.Duration `yaml:"backoff_initial" envconfig:"BACKOFF_INITIAL"`
	BackoffMax        time.Duration `yaml:"backoff_max" envconfig:"BACKOFF_MAX"`
	MaxAttempts       int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
}

// HeartbeatTimeout is how long the client waits for any frame before it reconnects
func (c ClientConfig) HeartbeatTimeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.MissedHeartbeats)
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "logs/taskflow.log",
			TimeFormat: "rfc3339",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			KeyPrefix: "taskflow:",
		},
		Session: SessionConfig{
			HeartbeatInterval: 15 * time.Second,
			MissedHeartbeats:  3,
			HandshakeTimeout:  10 * time.Second,
			PresenceTTL:       60 * time.Second,
		},
		Broker: BrokerConfig{
			QueueSize: 256,
		},
		Client: ClientConfig{
			ServerURL:         "http://localhost:8080",
			HeartbeatInterval: 15 * time.Second,
			MissedHeartbeats:  3,
			BackoffInitial:    500 * time.Millisecond,
			BackoffMax:        30 * time.Second,
			MaxAttempts:       5,
		},
	}
}
