// Package logging provides structured logging for Foreman using Go's slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	// Context keys for log fields
	itemIDKey        contextKey = "item_id"
	agentIDKey       contextKey = "agent_id"
	componentKey     contextKey = "component"
	correlationIDKey contextKey = "correlation_id"
)

var (
	// defaultLogger is the global logger instance
	defaultLogger *slog.Logger
	loggerMu      sync.RWMutex
)

func init() {
	defaultLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Config holds logging configuration.
type Config struct {
	Level    string          `yaml:"level"`    // debug, info, warn, error
	Format   string          `yaml:"format"`   // json, text
	Output   string          `yaml:"output"`   // stdout, stderr, or file path
	Rotation *RotationConfig `yaml:"rotation"` // Log rotation settings
}

// RotationConfig holds log rotation settings.
type RotationConfig struct {
	MaxSize    string `yaml:"max_size"`    // e.g., "100MB"
	MaxAge     string `yaml:"max_age"`     // e.g., "7d"
	MaxBackups int    `yaml:"max_backups"` // Number of backup files
}

// DefaultConfig returns sensible defaults for logging.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}
}

// Init initializes the global logger with the given configuration.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level := parseLevel(cfg.Level)
	writer, err := getWriter(cfg)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	loggerMu.Lock()
	defaultLogger = slog.New(handler)
	loggerMu.Unlock()

	return nil
}

// Suppress redirects all logging to io.Discard, effectively silencing logs.
// Use this when running in TUI dashboard mode to prevent log output from
// corrupting the terminal display.
func Suppress() {
	discardLogger := slog.New(slog.NewTextHandler(io.Discard, nil))

	loggerMu.Lock()
	defaultLogger = discardLogger
	loggerMu.Unlock()

	slog.SetDefault(discardLogger)
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getWriter returns the appropriate io.Writer based on config.
func getWriter(cfg *Config) (io.Writer, error) {
	switch cfg.Output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		// File output with optional rotation
		return newRotatingWriter(cfg.Output, cfg.Rotation)
	}
}

// Logger returns the global logger.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// With returns a logger with additional attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// WithComponent returns a logger with a component attribute.
func WithComponent(component string) *slog.Logger {
	return Logger().With(slog.String("component", component))
}

// WithItem returns a logger with work item context.
func WithItem(itemID string) *slog.Logger {
	return Logger().With(slog.String("item_id", itemID))
}

// WithAgent returns a logger with agent context.
func WithAgent(agentID string) *slog.Logger {
	return Logger().With(slog.String("agent_id", agentID))
}

// WithContext returns a logger with values from context.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Logger()

	if itemID := ctx.Value(itemIDKey); itemID != nil {
		logger = logger.With(slog.String("item_id", itemID.(string)))
	}
	if agentID := ctx.Value(agentIDKey); agentID != nil {
		logger = logger.With(slog.String("agent_id", agentID.(string)))
	}
	if component := ctx.Value(componentKey); component != nil {
		logger = logger.With(slog.String("component", component.(string)))
	}
	if correlationID := ctx.Value(correlationIDKey); correlationID != nil {
		logger = logger.With(slog.String("correlation_id", correlationID.(string)))
	}

	return logger
}

// ContextWithItemID adds a work item ID to the context.
func ContextWithItemID(ctx context.Context, itemID string) context.Context {
	return context.WithValue(ctx, itemIDKey, itemID)
}

// ContextWithAgentID adds an agent ID to the context.
func ContextWithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// ContextWithComponent adds a component name to the context.
func ContextWithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// ContextWithCorrelationID adds a correlation ID to the context for request tracing.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// Convenience functions that use the default logger

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}
