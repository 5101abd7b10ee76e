// Package config loads the demonstration server's environment-driven
// configuration (SPEC_FULL.md component C8), grounded on the reference
// corpus's env-tag-driven Config/LoadConfig/Validate pattern but scoped
// down to what an object-lifecycle/event-dispatch demo actually needs —
// no Kafka, no per-service rate limiting, no CPU-based admission control.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/erdizz/libmary/internal/monitoring"
)

// Config is the full set of environment-tunable knobs for cmd/echoserver.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":9090"`

	ReceiveBufferBytes int `env:"RECEIVE_BUFFER_BYTES" envDefault:"65536"`
	MaxConnections     int `env:"MAX_CONNECTIONS" envDefault:"1024"`

	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9091"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  monitoring.LogLevel  `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat monitoring.LogFormat `env:"LOG_FORMAT" envDefault:"json"`

	ShutdownGracePeriod time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"10s"`
}

// Load reads a .env file if present (silently ignored when absent), then
// overlays process environment variables, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working server.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty")
	}
	if c.ReceiveBufferBytes < 1024 {
		return fmt.Errorf("RECEIVE_BUFFER_BYTES must be at least 1024, got %d", c.ReceiveBufferBytes)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("METRICS_INTERVAL must be positive, got %s", c.MetricsInterval)
	}
	switch c.LogLevel {
	case monitoring.LogLevelDebug, monitoring.LogLevelInfo, monitoring.LogLevelWarn, monitoring.LogLevelError:
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case monitoring.LogFormatJSON, monitoring.LogFormatPretty:
	default:
		return fmt.Errorf("LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	}
	return nil
}

// LogFields returns the configuration as structured zerolog-friendly
// key/value pairs for a startup log line.
func (c *Config) LogFields() map[string]any {
	return map[string]any{
		"listen_addr":           c.ListenAddr,
		"receive_buffer_bytes":  c.ReceiveBufferBytes,
		"max_connections":       c.MaxConnections,
		"metrics_addr":          c.MetricsAddr,
		"metrics_interval":      c.MetricsInterval.String(),
		"log_level":             string(c.LogLevel),
		"log_format":            string(c.LogFormat),
		"shutdown_grace_period": c.ShutdownGracePeriod.String(),
	}
}
