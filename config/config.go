// Package config loads the gateway configuration.
// Precedence: defaults, then the YAML file, then environment variables.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" env:"SERVER"`
	Redis    RedisConfig    `yaml:"redis" env:"REDIS"`
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	Queue    QueueConfig    `yaml:"queue" env:"QUEUE"`
	Consumer ConsumerConfig `yaml:"consumer" env:"CONSUMER"`
	Events   EventsConfig   `yaml:"events" env:"EVENTS"`
	Log      LogConfig      `yaml:"log" env:"LOG"`
	Metrics  MetricsConfig  `yaml:"metrics" env:"METRICS"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RedisConfig configures the shared redis client.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig configures the record store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// QueueConfig configures the distributed batch queue.
type QueueConfig struct {
	LockTTL     time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
	WakeTimeout time.Duration `yaml:"wake_timeout" env:"WAKE_TIMEOUT"`
}

// ConsumerConfig configures the batch drain loop.
type ConsumerConfig struct {
	Enabled            bool          `yaml:"enabled" env:"ENABLED"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks" env:"MAX_CONCURRENT_TASKS"`
	ResourcesPerPoll   int           `yaml:"resources_per_poll" env:"RESOURCES_PER_POLL"`
	PollInterval       time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// EventsConfig configures the usage/audit sink.
type EventsConfig struct {
	BufferSize   int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is "json" or "console".
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
	Port    int    `yaml:"port" env:"PORT"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file::memory:?cache=shared",
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
		},
		Queue: QueueConfig{
			LockTTL:     30 * time.Second,
			WakeTimeout: 5 * time.Second,
		},
		Consumer: ConsumerConfig{
			Enabled:            true,
			MaxConcurrentTasks: 1000,
			ResourcesPerPoll:   10,
			PollInterval:       time.Second,
		},
		Events: EventsConfig{
			BufferSize:   1024,
			WriteTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Consumer.MaxConcurrentTasks <= 0 {
		errs = append(errs, "consumer max_concurrent_tasks must be positive")
	}
	if c.Consumer.ResourcesPerPoll <= 0 {
		errs = append(errs, "consumer resources_per_poll must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log level %q", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
