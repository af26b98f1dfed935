// Package observability defines shared logging and metrics primitives.
package observability

import "log/slog"

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// NewSlogLogger adapts a slog.Logger to the Logger interface.
func NewSlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		return noopLogger{}
	}
	return slogLogger{inner: logger}
}

type slogLogger struct {
	inner *slog.Logger
}

func (l slogLogger) Debug(msg string, fields ...Field) { l.inner.Debug(msg, attrs(fields)...) }
func (l slogLogger) Info(msg string, fields ...Field)  { l.inner.Info(msg, attrs(fields)...) }
func (l slogLogger) Warn(msg string, fields ...Field)  { l.inner.Warn(msg, attrs(fields)...) }
func (l slogLogger) Error(msg string, fields ...Field) { l.inner.Error(msg, attrs(fields)...) }

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, field := range fields {
		out = append(out, slog.Any(field.Key, field.Value))
	}
	return out
}
