package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel is the minimum severity a logger will emit.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat selects the logger's output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // structured, for log aggregation
	LogFormatPretty LogFormat = "pretty" // human-readable, for local runs
)

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	Level     LogLevel
	Format    LogFormat
	Component string // value for the "component" field on every line
}

// NewLogger builds a structured logger with timestamp and caller fields.
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	component := config.Component
	if component == "" {
		component = "libmary"
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("component", component).
		Logger()
}

// LogError logs err with a message and free-form context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic recovers a panic in the calling goroutine's defer, logs it
// with a stack trace, and lets the goroutine return normally instead of
// taking the process down. Use it at the top of any goroutine that
// dispatches a user-supplied callback — a poll group's event loop, an
// informer's InformAll caller, a deferred processor's Drain — so that a
// bug in one callback does not stop the rest of the system.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("recovered panic in goroutine")
	}
}
