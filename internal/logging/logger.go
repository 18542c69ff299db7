// Package logging provides structured logging configuration using log/slog.
//
// This package integrates with chi's RequestID middleware to propagate
// request IDs through structured log entries, and with slog-multi to fan
// log records out to the console and an optional JSON log file.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	slogmulti "github.com/samber/slog-multi"
)

// Setup configures the global slog logger based on level, format and an
// optional log file.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
//
// When file is non-empty, records are additionally written to it as JSON.
// The returned cleanup closes the file and is always safe to call.
func Setup(level, format, file string) func() error {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	console := consoleHandler(os.Stdout, format, opts)
	if file == "" {
		slog.SetDefault(slog.New(console))
		return func() error { return nil }
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.SetDefault(slog.New(console))
		slog.Error("failed to open log file, using console only", "error", err, "file", file)
		return func() error { return nil }
	}

	slog.SetDefault(slog.New(slogmulti.Fanout(console, slog.NewJSONHandler(f, opts))))
	return f.Close
}

// NewWithWriters builds a fan-out logger over custom writers (for testing).
func NewWithWriters(console, file io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	return slog.New(slogmulti.Fanout(
		consoleHandler(console, format, opts),
		slog.NewJSONHandler(file, opts),
	))
}

func consoleHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// FromContext returns a logger enriched with request context.
//
// When called with a request context that contains a chi RequestID,
// the returned logger automatically includes request_id in all log entries.
//
// Usage:
//
//	func handleStatus(w http.ResponseWriter, r *http.Request) {
//	    logger := logging.FromContext(r.Context())
//	    logger.Info("status requested", "job_id", jobID)
//	}
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}

	return logger
}

// WithFields returns a logger with additional structured fields.
//
// Usage:
//
//	jobLogger := logging.WithFields(ctx,
//	    "job_id", job.ID,
//	    "file_id", job.FileID,
//	)
//	jobLogger.Info("stage started", "stage", stage)
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
