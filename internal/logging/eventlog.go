package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/apih9000/llhls-latency-monitoring/internal/monitor"
)

// EventLogConfig configures the request event log.
type EventLogConfig struct {
	// Dir is created if missing. The file is named
	// ll-hls-log_<YYYY-MM-DD_HH-MM-SS>.log after the open time.
	Dir string

	// Format is "json" or "text".
	Format string

	MaxSizeMB  int // rotate after this size (default: 100)
	MaxBackups int // rotated files to keep (default: 5)
	Compress   bool

	// RecentErrors is how many error lines to keep for the exit summary.
	RecentErrors int
}

// EventLog writes one structured record per completed request.
// It implements monitor.EventLogger.
//
// Thread-safe.
type EventLog struct {
	logger *slog.Logger
	closer io.Closer
	path   string
	errors *Ring
}

// EventLogFileName returns the event log file name for a run started at t.
func EventLogFileName(t time.Time) string {
	return "ll-hls-log_" + t.Format("2006-01-02_15-04-05") + ".log"
}

// OpenEventLog creates the log directory and opens a rotated log file in it.
func OpenEventLog(cfg EventLogConfig) (*EventLog, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}

	path := filepath.Join(cfg.Dir, EventLogFileName(time.Now()))
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}
	l := NewEventLogWithWriter(w, cfg.Format, cfg.RecentErrors)
	l.closer = w
	l.path = path
	return l, nil
}

// NewEventLogWithWriter creates an event log on w. Used for tests.
func NewEventLogWithWriter(w io.Writer, format string, recentErrors int) *EventLog {
	return &EventLog{
		logger: slog.New(newHandler(w, format, &slog.HandlerOptions{Level: slog.LevelInfo})),
		errors: NewRing(recentErrors),
	}
}

// Path returns the log file path, "" for writer-backed logs.
func (l *EventLog) Path() string {
	return l.path
}

// Close flushes and closes the log file.
func (l *EventLog) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// RecentErrors returns up to n of the latest error lines, oldest first.
func (l *EventLog) RecentErrors(n int) []string {
	return l.errors.Recent(n)
}

// ErrorCounts returns error totals grouped by status.
func (l *EventLog) ErrorCounts() map[string]int {
	return l.errors.Counts()
}

func (l *EventLog) Info(r monitor.Record) {
	l.write(slog.LevelInfo, r)
}

func (l *EventLog) Warning(r monitor.Record) {
	l.write(slog.LevelWarn, r)
}

func (l *EventLog) Error(r monitor.Record) {
	l.write(slog.LevelError, r)
	l.errors.Add(r.Status, fmt.Sprintf("%s rendition-%d %s %s %s",
		r.Started.Format("15:04:05"), r.Rendition, r.Key, r.Status, r.URL))
}

// Exception records an unexpected failure such as a recovered panic.
func (l *EventLog) Exception(err error, source string) {
	l.logger.LogAttrs(context.Background(), slog.LevelError, "exception",
		slog.String("source", source),
		slog.String("error", err.Error()),
	)
	l.errors.Add("EXCEPTION", fmt.Sprintf("%s %s %v", time.Now().Format("15:04:05"), source, err))
}

func (l *EventLog) write(level slog.Level, r monitor.Record) {
	attrs := []slog.Attr{
		slog.String("id", r.ID),
		slog.Time("started_at", r.Started),
		slog.String("kind", r.Key.Kind.String()),
		slog.Int64("segment", r.Key.Position.MSN),
		slog.Int64("part", r.Key.Position.Part),
		slog.Int("rendition", r.Rendition),
		slog.String("url", r.URL),
		slog.String("source", r.Source),
		slog.String("initiator", r.Initiator),
		slog.String("class", r.Class.String()),
		slog.String("status", r.Status),
		slog.Bool("slow", r.Slow),
		slog.Int("http_code", r.Code),
		slog.String("failure", r.Failure.String()),
		slog.Float64("time_headers_ms", durationMs(r.TimeHeaders)),
		slog.Float64("download_ms", durationMs(r.DownloadTime)),
		slog.Float64("response_ms", durationMs(r.ResponseTime)),
		slog.Float64("throughput_mbps", r.Throughput/1e6),
		slog.Int64("bytes", r.Bytes),
	}
	if r.SavedPath != "" {
		attrs = append(attrs, slog.String("saved_path", r.SavedPath))
	}
	if len(r.Headers) > 0 {
		headers := make([]any, 0, len(r.Headers))
		for _, h := range r.Headers {
			headers = append(headers, slog.String(h.Name, h.Value))
		}
		attrs = append(attrs, slog.Group("header", headers...))
	}
	l.logger.LogAttrs(context.Background(), level, "request", attrs...)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
