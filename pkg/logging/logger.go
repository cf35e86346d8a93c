// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// RunID is attached to every entry when set.
	RunID string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the root logger and returns it. The returned logger is
// also installed as zerolog's global logger so NewLogger derives from it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.RunID != "" {
		ctx = ctx.Str("run_id", cfg.RunID)
	}
	logger := ctx.Logger()

	log.Logger = logger

	return logger
}

// ParseLevel converts LogLevel to zerolog.Level. Unknown values map to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Component returns base tagged with a component name. A nil base falls back
// to the global logger.
func Component(base *zerolog.Logger, component string) zerolog.Logger {
	if base == nil {
		return NewLogger(component)
	}
	return base.With().Str("component", component).Logger()
}

// Preview shortens a secret-bearing value for logs: the first n characters
// followed by an ellipsis. Never log a full token.
func Preview(s string, n int) string {
	if n <= 0 || s == "" {
		return ""
	}
	if len(s) <= n {
		return strings.Repeat("*", len(s))
	}
	return s[:n] + "..."
}

// Log Level Guidelines:
//
// Debug: request flow
//   - Limiter waits, token cache hits
//   - Request payload sizes, response classification details
//
// Info: normal operation events
//   - Token refreshed
//   - Batch completed (with embedded failure count)
//   - Import started / summary
//
// Warn: conditions that don't stop the run
//   - Retry attempts
//   - Partial failures inside HTTP 200 responses
//   - Response could not be parsed confidently
//   - Session paused
//
// Error: conditions requiring attention
//   - Batch failed after all retries
//   - Auth service unreachable
//   - Artifact write failures
//
// Context Fields:
//   - batch_id, source_file, records
//   - status_code, attempt, max_retries
//   - error_kind: auth_failed, auth_service_down, transport, http, partial_failure, parse_ambiguity
//   - failures: embedded failure count
//   - run_id
