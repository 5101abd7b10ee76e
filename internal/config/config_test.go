package config

import (
	"testing"
	"time"

	"github.com/erdizz/libmary/internal/monitoring"
)

func validConfig() *Config {
	return &Config{
		ListenAddr:          ":9090",
		ReceiveBufferBytes:  65536,
		MaxConnections:      1024,
		MetricsInterval:     15 * time.Second,
		LogLevel:            monitoring.LogLevelInfo,
		LogFormat:           monitoring.LogFormatJSON,
		ShutdownGracePeriod: 10 * time.Second,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsTinyBuffer(t *testing.T) {
	cfg := validConfig()
	cfg.ReceiveBufferBytes = 16
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an undersized receive buffer")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "trace"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unknown log level")
	}
}

func TestValidateRejectsZeroMaxConnections(t *testing.T) {
	cfg := validConfig()
	cfg.MaxConnections = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for zero max connections")
	}
}
