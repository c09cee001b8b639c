// Package config provides configuration management for llhls-monitor.
//
// Values are layered, later sources overriding earlier ones:
//
//	DefaultConfig() < YAML file (-config) < LLHLS_* environment < flags
package config

import (
	"net/http"
	"strings"
	"time"
)

// Config holds all configuration options for a monitoring run.
type Config struct {
	// Target
	StreamURL string `json:"stream_url" yaml:"stream_url"`
	Limit     int    `json:"limit" yaml:"limit"` // playlist polls per rendition, 0 = until interrupted

	// Renditions
	MaxRenditions int  `json:"max_renditions" yaml:"max_renditions"` // 0 = all
	Audio         bool `json:"audio" yaml:"audio"`

	// HTTP
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
	UserAgent       string        `json:"user_agent" yaml:"user_agent"`
	Headers         []string      `json:"headers" yaml:"headers"` // "Name: value"
	HTTP2           bool          `json:"http2" yaml:"http2"`
	SpeedLimitKbps  int           `json:"speed_limit_kbps" yaml:"speed_limit_kbps"` // 0 = unlimited
	MaxConnsPerHost int           `json:"max_conns_per_host" yaml:"max_conns_per_host"`

	// Monitor
	PartWorkers int `json:"part_workers" yaml:"part_workers"`
	SkipAhead   int `json:"skip_ahead" yaml:"skip_ahead"`
	StripAfter  int `json:"strip_after" yaml:"strip_after"`
	SleepAfter  int `json:"sleep_after" yaml:"sleep_after"`
	Lookback    int `json:"lookback" yaml:"lookback"`

	// Poll backoff
	BackoffInitial  time.Duration `json:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax      time.Duration `json:"backoff_max" yaml:"backoff_max"`
	BackoffMultiply float64       `json:"backoff_multiply" yaml:"backoff_multiply"`

	// Start scheduling
	StartInterval time.Duration `json:"start_interval" yaml:"start_interval"`
	StartJitter   time.Duration `json:"start_jitter" yaml:"start_jitter"`

	// Persistence
	SaveFiles bool   `json:"save_files" yaml:"save_files"`
	SaveDir   string `json:"save_dir" yaml:"save_dir"`

	// Observability
	MetricsAddr  string `json:"metrics_addr" yaml:"metrics_addr"` // "" = disabled
	MetricsDump  string `json:"metrics_dump" yaml:"metrics_dump"` // textfile written at exit
	LogDir       string `json:"log_dir" yaml:"log_dir"`           // "" = no event log
	LogFormat    string `json:"log_format" yaml:"log_format"`     // json, text
	LogLevel     string `json:"log_level" yaml:"log_level"`
	Verbose      bool   `json:"verbose" yaml:"verbose"`
	TUIEnabled   bool   `json:"tui" yaml:"tui"`
	RecentErrors int    `json:"recent_errors" yaml:"recent_errors"`

	// Diagnostics
	SkipPreflight bool `json:"skip_preflight" yaml:"skip_preflight"`

	// Sources, never read from a file
	ConfigFile string `json:"-" yaml:"-"`
	EnvFile    string `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Limit: 100,

		// HTTP
		Timeout:   15 * time.Second,
		UserAgent: "llhls-monitor/1.0",
		HTTP2:     true,

		// Monitor
		PartWorkers: 8,
		SkipAhead:   3,
		StripAfter:  3,
		SleepAfter:  5,
		Lookback:    64,

		// Poll backoff: a constant second
		BackoffInitial:  time.Second,
		BackoffMax:      time.Second,
		BackoffMultiply: 1.0,

		// Persistence
		SaveDir: "downloads",

		// Observability
		MetricsAddr:  "127.0.0.1:17091",
		LogDir:       "logs",
		LogFormat:    "json",
		LogLevel:     "info",
		TUIEnabled:   true,
		RecentErrors: 10,
	}
}

// HeaderMap parses Headers into a map. Entries without a colon are skipped;
// names are canonicalized and later entries win.
func (c *Config) HeaderMap() map[string]string {
	out := make(map[string]string, len(c.Headers))
	for _, h := range c.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out[http.CanonicalHeaderKey(name)] = strings.TrimSpace(value)
	}
	return out
}

// SaveRoot returns the persistence directory, "" when saving is off.
func (c *Config) SaveRoot() string {
	if !c.SaveFiles {
		return ""
	}
	return c.SaveDir
}
