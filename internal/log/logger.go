// Package log constructs the structured loggers used across the
// orchestrator. All components log through *slog.Logger handles created
// here so field naming stays consistent.
package log

import (
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// Standard field keys for structured logging.
// These constants ensure consistent field naming across the codebase.
const (
	// WorkflowIDKey is the field key for workflow run identifiers.
	WorkflowIDKey = "workflow_id"
	// StepKey is the field key for workflow step names.
	StepKey = "step"
	// PersonaKey is the field key for persona identifiers.
	PersonaKey = "persona"
	// CorrIDKey is the field key for request correlation ids.
	CorrIDKey = "corr_id"
	// TaskIDKey is the field key for dashboard task identifiers.
	TaskIDKey = "task_id"
	// ProjectIDKey is the field key for dashboard project identifiers.
	ProjectIDKey = "project_id"
	// DurationKey is the field key for duration in milliseconds.
	DurationKey = "duration_ms"
	// ReasonKey is the field key for abort/skip reasons.
	ReasonKey = "reason"
	// FailedStepKey is the field key for the step that caused an abort.
	FailedStepKey = "failed_step"
	// CleanupResultKey is the field key for abort-cleanup summaries.
	CleanupResultKey = "cleanup_result"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Default: info
	Level string

	// Format sets the output format (json, text).
	// Default: json
	Format Format

	// Output is the writer for log output.
	// Default: os.Stderr
	Output io.Writer

	// AddSource adds source file and line information to logs.
	// Default: false
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatJSON,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// FromEnv creates a Config from environment variables.
// Supported environment variables:
//   - MAESTRO_DEBUG: true/1 to enable debug level and source logging
//   - MAESTRO_LOG_LEVEL: debug, info, warn, error (takes precedence over LOG_LEVEL)
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, text (default: json)
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("MAESTRO_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	if debug == "" {
		if level := os.Getenv("MAESTRO_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		} else if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	return cfg
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(out, opts)
	case FormatJSON:
		fallthrough
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler)
}

// Discard returns a logger that drops everything. Used in tests and as
// the fallback when a component is constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
