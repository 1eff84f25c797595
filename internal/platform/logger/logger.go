// Package logger builds the process slog logger and derives batch-scoped
// loggers from context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"enricher/pkg/requestcontext"
)

// New returns a structured logger writing to stdout.
//
// Level values: "debug", "info", "warn", "error" (default "info").
// Format values: "json", "text" (default "json").
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination, for tests.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("service", "enricher")
}

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

// FromContext adds the batch and correlation IDs carried by ctx.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := requestcontext.CorrelationID(ctx); id != "" {
		base = base.With("correlation_id", id)
	}
	if id := requestcontext.BatchID(ctx); id != uuid.Nil {
		base = base.With("batch_id", id.String())
	}
	return base
}
