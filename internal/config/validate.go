package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Every problem is reported; the result is nil or an errors.Join of
// ValidationError values.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.StreamURL == "" {
		add("stream_url", "playlist URL is required")
	} else if err := validateURL(cfg.StreamURL); err != nil {
		add("stream_url", "%v", err)
	}

	if cfg.Limit < 0 {
		add("limit", "must be >= 0 (got %d)", cfg.Limit)
	}
	if cfg.MaxRenditions < 0 {
		add("max_renditions", "must be >= 0 (got %d)", cfg.MaxRenditions)
	}

	if cfg.Timeout <= 0 {
		add("timeout", "must be positive")
	}
	if cfg.SpeedLimitKbps < 0 {
		add("speed_limit_kbps", "must be >= 0 (got %d)", cfg.SpeedLimitKbps)
	}
	if cfg.MaxConnsPerHost < 0 {
		add("max_conns_per_host", "must be >= 0 (got %d)", cfg.MaxConnsPerHost)
	}
	for _, h := range cfg.Headers {
		if name, _, ok := strings.Cut(h, ":"); !ok || strings.TrimSpace(name) == "" {
			add("headers", `%q is not "Name: value"`, h)
		}
	}

	if cfg.PartWorkers < 1 {
		add("part_workers", "must be at least 1")
	}
	if cfg.SkipAhead < 1 {
		add("skip_ahead", "must be at least 1")
	}
	if cfg.StripAfter < 1 {
		add("strip_after", "must be at least 1")
	}
	if cfg.SleepAfter < 1 {
		add("sleep_after", "must be at least 1")
	}
	if cfg.Lookback < cfg.SkipAhead {
		add("lookback", "must be >= skip_ahead (%d)", cfg.SkipAhead)
	}

	if cfg.BackoffInitial <= 0 {
		add("backoff_initial", "must be positive")
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		add("backoff_max", "must be >= backoff_initial (%s)", cfg.BackoffInitial)
	}
	if cfg.BackoffMultiply < 1 {
		add("backoff_multiply", "must be >= 1 (got %g)", cfg.BackoffMultiply)
	}

	if cfg.StartInterval < 0 {
		add("start_interval", "must be >= 0")
	}
	if cfg.StartJitter < 0 {
		add("start_jitter", "must be >= 0")
	}

	if cfg.SaveFiles && cfg.SaveDir == "" {
		add("save_dir", "required when save_files is set")
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		add("log_format", `must be "json" or "text" (got %q)`, cfg.LogFormat)
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log_level", "must be debug, info, warn or error (got %q)", cfg.LogLevel)
	}
	if cfg.RecentErrors < 0 {
		add("recent_errors", "must be >= 0 (got %d)", cfg.RecentErrors)
	}

	return errors.Join(errs...)
}

// validateURL checks that rawURL is an absolute http(s) URL.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL must include a host")
	}
	return nil
}
