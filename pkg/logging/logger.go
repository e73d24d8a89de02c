// Package logging provides structured logging with context propagation for
// the pflow engine. It wraps the standard library's slog package, following
// the same shape the wider workflow-engine ecosystem uses: a thin value
// type carrying a *slog.Logger, chainable WithXxx methods that return a
// copy, and a context accessor pair.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

const contextKeyLogger contextKey = "pflow_logger"

// Logger wraps slog.Logger with workflow-specific fields.
type Logger struct {
	logger *slog.Logger
}

// Config controls logger construction.
type Config struct {
	Level         string // debug, info, warn, error
	Output        io.Writer
	Pretty        bool // text handler instead of JSON
	IncludeCaller bool
}

// DefaultConfig returns the engine's default logging configuration: JSON to
// stdout at info level.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Output: os.Stdout,
	}
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.IncludeCaller,
	}
	var handler slog.Handler
	if cfg.Pretty {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	return &Logger{logger: slog.New(handler)}
}

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

// WithContext stores the logger on ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyLogger, l)
}

// FromContext retrieves a logger from ctx, falling back to a default one.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(contextKeyLogger).(*Logger); ok {
		return l
	}
	return New(DefaultConfig())
}

// WithWorkflowID returns a copy of l tagged with workflow_id.
func (l *Logger) WithWorkflowID(id string) *Logger {
	return &Logger{logger: l.logger.With(slog.String("workflow_id", id))}
}

// WithExecutionID returns a copy of l tagged with execution_id.
func (l *Logger) WithExecutionID(id string) *Logger {
	return &Logger{logger: l.logger.With(slog.String("execution_id", id))}
}

// WithNodeID returns a copy of l tagged with node_id.
func (l *Logger) WithNodeID(id string) *Logger {
	return &Logger{logger: l.logger.With(slog.String("node_id", id))}
}

func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
