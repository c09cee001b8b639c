package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "LLHLS_"

// LoadFile merges the YAML file at path into cfg. Keys absent from the
// file keep their current values; unknown keys are an error.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// LoadEnvFile reads KEY=value pairs from a .env file without touching the
// process environment.
func LoadEnvFile(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return env, nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// withFallback looks keys up in primary first, then in the map.
func withFallback(primary LookupFunc, fallback map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok {
			return v, true
		}
		v, ok := fallback[key]
		return v, ok
	}
}

// envBinding ties one LLHLS_* variable to a Config field.
type envBinding struct {
	key   string
	apply func(cfg *Config, v string) error
}

func envString(key string, field func(*Config) *string) envBinding {
	return envBinding{key, func(c *Config, v string) error {
		*field(c) = v
		return nil
	}}
}

func envInt(key string, field func(*Config) *int) envBinding {
	return envBinding{key, func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}}
}

func envBool(key string, field func(*Config) *bool) envBinding {
	return envBinding{key, func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}}
}

func envDuration(key string, field func(*Config) *time.Duration) envBinding {
	return envBinding{key, func(c *Config, v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}}
}

func envFloat(key string, field func(*Config) *float64) envBinding {
	return envBinding{key, func(c *Config, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}}
}

var envBindings = []envBinding{
	envString("URL", func(c *Config) *string { return &c.StreamURL }),
	envInt("LIMIT", func(c *Config) *int { return &c.Limit }),
	envInt("MAX_RENDITIONS", func(c *Config) *int { return &c.MaxRenditions }),
	envBool("AUDIO", func(c *Config) *bool { return &c.Audio }),
	envDuration("TIMEOUT", func(c *Config) *time.Duration { return &c.Timeout }),
	envString("USER_AGENT", func(c *Config) *string { return &c.UserAgent }),
	envBool("HTTP2", func(c *Config) *bool { return &c.HTTP2 }),
	envInt("SPEED_LIMIT", func(c *Config) *int { return &c.SpeedLimitKbps }),
	envInt("PART_WORKERS", func(c *Config) *int { return &c.PartWorkers }),
	envInt("SKIP_AHEAD", func(c *Config) *int { return &c.SkipAhead }),
	envInt("STRIP_AFTER", func(c *Config) *int { return &c.StripAfter }),
	envInt("SLEEP_AFTER", func(c *Config) *int { return &c.SleepAfter }),
	envInt("LOOKBACK", func(c *Config) *int { return &c.Lookback }),
	envDuration("BACKOFF_INITIAL", func(c *Config) *time.Duration { return &c.BackoffInitial }),
	envDuration("BACKOFF_MAX", func(c *Config) *time.Duration { return &c.BackoffMax }),
	envFloat("BACKOFF_MULTIPLY", func(c *Config) *float64 { return &c.BackoffMultiply }),
	envDuration("START_INTERVAL", func(c *Config) *time.Duration { return &c.StartInterval }),
	envDuration("START_JITTER", func(c *Config) *time.Duration { return &c.StartJitter }),
	envBool("SAVE_FILES", func(c *Config) *bool { return &c.SaveFiles }),
	envString("SAVE_DIR", func(c *Config) *string { return &c.SaveDir }),
	envString("METRICS", func(c *Config) *string { return &c.MetricsAddr }),
	envString("METRICS_DUMP", func(c *Config) *string { return &c.MetricsDump }),
	envString("LOG_DIR", func(c *Config) *string { return &c.LogDir }),
	envString("LOG_FORMAT", func(c *Config) *string { return &c.LogFormat }),
	envString("LOG_LEVEL", func(c *Config) *string { return &c.LogLevel }),
	envBool("TUI", func(c *Config) *bool { return &c.TUIEnabled }),
	envBool("SKIP_PREFLIGHT", func(c *Config) *bool { return &c.SkipPreflight }),
}

// ApplyEnv overrides cfg with every LLHLS_* variable found by lookup.
// LLHLS_HEADERS holds headers separated by ";". All malformed values are
// reported together.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.apply(cfg, v); err != nil {
			errs = append(errs, ValidationError{
				Field:   EnvPrefix + b.key,
				Message: fmt.Sprintf("invalid value %q: %v", v, err),
			})
		}
	}
	if v, ok := lookup(EnvPrefix + "HEADERS"); ok {
		cfg.Headers = nil
		for _, h := range strings.Split(v, ";") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.Headers = append(cfg.Headers, h)
			}
		}
	}
	return errors.Join(errs...)
}
