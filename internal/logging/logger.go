// Package logging provides the diagnostic logger and the request event log.
//
// Diagnostics are slog records on stderr (or discarded while the dashboard
// owns the terminal). The event log is a separate, size-rotated file with
// one record per completed request.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates the diagnostic logger on stderr.
// Format is "json" or "text"; level is "debug", "info", "warn" or "error".
// verbose forces debug level and adds source locations.
func NewLogger(format, level string, verbose bool) *slog.Logger {
	lvl := parseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(newHandler(os.Stderr, format, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}))
}

// NewLoggerWithWriter creates a logger that writes to w.
// Used for tests and to silence diagnostics under the dashboard.
func NewLoggerWithWriter(w io.Writer, format, level string) *slog.Logger {
	return slog.New(newHandler(w, format, &slog.HandlerOptions{Level: parseLevel(level)}))
}

// newHandler defaults to JSON for anything but "text".
func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// parseLevel converts a string level to slog.Level.
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

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
