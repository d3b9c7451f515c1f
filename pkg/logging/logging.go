package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level describes severity of log message.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	// LevelInfo is default log level.
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// ParseLevel converts string to Level.
func ParseLevel(v string) Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a slog.Logger with the printf-style helpers the scanner uses.
// Structured entries go through the embedded slog methods.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New creates a configured logger. An empty path logs to stdout; format is
// "text" (default) or "json".
func New(path string, level Level, format string) (*Logger, error) {
	var output io.Writer = os.Stdout
	var closer io.Closer
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = f
		closer = f
	}
	l := NewWriter(output, level, format)
	l.closer = closer
	return l, nil
}

// NewWriter builds a logger on an arbitrary writer.
func NewWriter(w io.Writer, level Level, format string) *Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler).With("app", "cmdbscan")}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With returns a child logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{Logger: l.Logger.With(args...)}
}

// Infof logs informational messages.
func (l *Logger) Infof(format string, args ...any) {
	if l == nil {
		return
	}
	l.Logger.Info(fmt.Sprintf(format, args...))
}

// Debugf logs verbose diagnostic messages.
func (l *Logger) Debugf(format string, args ...any) {
	if l == nil {
		return
	}
	l.Logger.Debug(fmt.Sprintf(format, args...))
}

// Warnf logs recoverable problems.
func (l *Logger) Warnf(format string, args ...any) {
	if l == nil {
		return
	}
	l.Logger.Warn(fmt.Sprintf(format, args...))
}

// Errorf logs errors.
func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.Logger.Error(fmt.Sprintf(format, args...))
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
