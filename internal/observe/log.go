package observe

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a config log level name to an [slog.Level]. Unknown names
// map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// NewLogger returns a text logger on stderr whose threshold follows level,
// so verbosity can change at runtime.
func NewLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Logger returns the default logger with the trace, span, and session
// identifiers found in ctx attached. Absent identifiers are omitted.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := TraceID(ctx); id != "" {
		attrs = append(attrs, slog.String("trace_id", id))
		attrs = append(attrs, slog.String("span_id", spanID(ctx)))
	}
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, slog.String("session_id", id))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
