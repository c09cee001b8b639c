package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// headerList is a custom flag type for repeatable -header flags.
// The first -header on the command line replaces headers from the file or
// environment; further ones append.
type headerList struct {
	values *[]string
	set    bool
}

func (h *headerList) String() string {
	if h.values == nil {
		return ""
	}
	return strings.Join(*h.values, ", ")
}

func (h *headerList) Set(value string) error {
	if !h.set {
		*h.values = nil
		h.set = true
	}
	*h.values = append(*h.values, value)
	return nil
}

// flagCategories orders the usage output.
var flagCategories = []struct {
	title string
	names []string
}{
	{"Monitoring", []string{"limit", "max-renditions", "audio", "start-interval", "start-jitter"}},
	{"HTTP", []string{"timeout", "user-agent", "header", "http2", "speed-limit"}},
	{"Part Downloads", []string{"part-workers", "skip-ahead", "lookback"}},
	{"Error Handling", []string{"strip-after", "sleep-after", "backoff-initial", "backoff-max", "backoff-multiply"}},
	{"Persistence", []string{"save-files", "save-dir"}},
	{"Observability", []string{"metrics", "metrics-dump", "log-dir", "log-format", "v", "tui"}},
	{"Configuration", []string{"config", "env-file", "skip-preflight"}},
}

// newFlagSet binds every flag to cfg.
func newFlagSet(cfg *Config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("llhls-monitor", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() { printUsage(fs) }

	// Monitoring
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "Playlist polls per rendition (0 = until interrupted)")
	fs.IntVar(&cfg.MaxRenditions, "max-renditions", cfg.MaxRenditions, "Monitor only the first N renditions (0 = all)")
	fs.BoolVar(&cfg.Audio, "audio", cfg.Audio, "Also monitor EXT-X-MEDIA audio renditions")
	fs.DurationVar(&cfg.StartInterval, "start-interval", cfg.StartInterval, "Delay between rendition starts")
	fs.DurationVar(&cfg.StartJitter, "start-jitter", cfg.StartJitter, "Random extra delay per rendition start")

	// HTTP
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout, must exceed PART-HOLD-BACK")
	fs.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "HTTP User-Agent header")
	fs.Var(&headerList{values: &cfg.Headers}, "header", `Add HTTP header "Name: value" (can repeat)`)
	fs.BoolVar(&cfg.HTTP2, "http2", cfg.HTTP2, "Use HTTP/2 when the origin offers it")
	fs.IntVar(&cfg.SpeedLimitKbps, "speed-limit", cfg.SpeedLimitKbps, "Cap total download rate in Kbps (0 = unlimited)")

	// Part downloads
	fs.IntVar(&cfg.PartWorkers, "part-workers", cfg.PartWorkers, "Concurrent part downloads per rendition")
	fs.IntVar(&cfg.SkipAhead, "skip-ahead", cfg.SkipAhead, "Download only the newest part when more than N are new")
	fs.IntVar(&cfg.Lookback, "lookback", cfg.Lookback, "Dispatched part indices remembered per rendition")

	// Error handling
	fs.IntVar(&cfg.StripAfter, "strip-after", cfg.StripAfter, "Drop _HLS_msn/_HLS_part after N consecutive poll errors")
	fs.IntVar(&cfg.SleepAfter, "sleep-after", cfg.SleepAfter, "Back off before polling after N consecutive poll errors")
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "First backoff delay")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum backoff delay")
	fs.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Backoff growth per attempt")

	// Persistence
	fs.BoolVar(&cfg.SaveFiles, "save-files", cfg.SaveFiles, "Save playlists, parts and init segments")
	fs.StringVar(&cfg.SaveDir, "save-dir", cfg.SaveDir, "Directory for saved files")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, `Prometheus/ops listen address ("" = disabled)`)
	fs.StringVar(&cfg.MetricsDump, "metrics-dump", cfg.MetricsDump, "Write final metrics in text format to this file")
	fs.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, `Request event log directory ("" = disabled)`)
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Live terminal dashboard (use -tui=false for line output)")

	// Configuration
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file")
	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "Read LLHLS_* variables from this .env file")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	return fs
}

// ParseFlags builds the configuration from os.Args and the process
// environment.
func ParseFlags() (*Config, error) {
	return ParseArgs(os.Args[1:], os.LookupEnv, os.Stderr)
}

// ParseArgs builds the configuration from args (without the program name)
// and lookup. Flags are parsed twice: once to find -config and -env-file,
// then again over the merged file and environment values so explicit
// flags win. Usage goes to output; -h returns flag.ErrHelp.
func ParseArgs(args []string, lookup LookupFunc, output io.Writer) (*Config, error) {
	pre := DefaultConfig()
	if err := newFlagSet(pre, output).Parse(args); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if pre.ConfigFile != "" {
		if err := LoadFile(pre.ConfigFile, cfg); err != nil {
			return nil, err
		}
	}

	if pre.EnvFile != "" {
		fileEnv, err := LoadEnvFile(pre.EnvFile)
		if err != nil {
			return nil, err
		}
		lookup = withFallback(lookup, fileEnv)
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	fs := newFlagSet(cfg, io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Positional argument: stream URL
	if fs.NArg() >= 1 {
		cfg.StreamURL = fs.Arg(0)
	}
	if fs.NArg() > 1 {
		return nil, fmt.Errorf("unexpected arguments after URL: %v", fs.Args()[1:])
	}
	return cfg, nil
}

func printUsage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprintf(w, `llhls-monitor - LL-HLS stream latency monitor

Usage:
  llhls-monitor [flags] <PLAYLIST_URL>

The URL may be a master playlist (every rendition is monitored) or a
single media playlist.
`)
	for _, c := range flagCategories {
		fmt.Fprintf(w, "\n%s:\n", c.title)
		printFlagCategory(fs, c.names)
	}
	fmt.Fprintf(w, `
Environment:
  Every flag can be set as LLHLS_<NAME> (e.g. LLHLS_LIMIT=0, LLHLS_SPEED_LIMIT=5000).
  LLHLS_HEADERS takes headers separated by ";".

Examples:
  # Follow all renditions for 100 polls each
  llhls-monitor https://cdn.example.com/live/master.m3u8

  # Run until Ctrl+C, save everything, line output
  llhls-monitor -limit 0 -save-files -tui=false https://cdn.example.com/live/master.m3u8

`)
}

// printFlagCategory prints flags matching the given names, in that order.
func printFlagCategory(fs *flag.FlagSet, names []string) {
	w := fs.Output()
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
			fmt.Fprintf(w, " (default %s)", f.DefValue)
		}
		fmt.Fprintln(w)
	}
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	name, _ := flag.UnquoteUsage(f)
	return name
}
