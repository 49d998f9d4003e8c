// Package logging provides structured logging using slog.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // console level: "debug" | "info" | "warn" | "error"

	// File sink, disabled when FilePath is empty.
	FilePath       string
	FileLevel      string
	FileMaxSizeMB  int
	FileMaxBackups int
}

// Setup initializes the global slog logger based on configuration and
// returns a closer for the file sink.
func Setup(cfg Config) io.Closer {
	handler, closer := NewHandler(cfg, os.Stdout)
	slog.SetDefault(slog.New(handler))
	return closer
}

// NewHandler builds the console handler writing to w and, when configured,
// a rotating file handler.
func NewHandler(cfg Config, w io.Writer) (slog.Handler, io.Closer) {
	console := newFormatHandler(cfg.Format, w, parseLevel(cfg.Level))
	if cfg.FilePath == "" {
		return console, nopCloser{}
	}

	maxSize := cfg.FileMaxSizeMB
	if maxSize <= 0 {
		maxSize = 20
	}
	file := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    maxSize, // megabytes
		MaxBackups: cfg.FileMaxBackups,
		Compress:   true,
	}
	fileLevel := cfg.FileLevel
	if fileLevel == "" {
		fileLevel = "warn"
	}
	return &fanout{handlers: []slog.Handler{
		console,
		newFormatHandler(cfg.Format, file, parseLevel(fileLevel)),
	}}, file
}

func newFormatHandler(format string, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether level names a known log level.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// fanout dispatches each record to every handler enabled for its level.
type fanout struct {
	handlers []slog.Handler
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: hs}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &fanout{handlers: hs}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// correlationIDKey is the context key for correlation IDs.
type correlationIDKey struct{}

// WithCorrelationID adds a correlation ID to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GenerateCorrelationID creates a new unique correlation ID.
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// RoundLogger creates a logger with round context fields.
func RoundLogger(correlationID string, height, block uint64) *slog.Logger {
	return slog.With(
		"correlation_id", correlationID,
		"height", height,
		"block", block,
	)
}

// WorkerLogger creates a logger with worker context.
func WorkerLogger(kind string, workerID int) *slog.Logger {
	return slog.With("component", "worker", "worker_kind", kind, "worker_id", workerID)
}

// DriveLogger creates a logger for a reader drive task.
func DriveLogger(drive string) *slog.Logger {
	return slog.With("component", "reader", "drive", drive)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
