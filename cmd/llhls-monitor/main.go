// Package main provides the llhls-monitor CLI entry point.
//
// llhls-monitor follows every rendition of a Low-Latency HLS stream with
// blocking playlist reloads, downloads each part as it is published and
// classifies every response as OK, DELAY, STALE or ERROR.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/apih9000/llhls-latency-monitoring/internal/config"
	"github.com/apih9000/llhls-latency-monitoring/internal/logging"
	"github.com/apih9000/llhls-latency-monitoring/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/llhls-monitor
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("llhls-monitor %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags()
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// When the dashboard is enabled, diagnostics would corrupt the screen.
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n%v\n", err)
		return 1
	}

	logger.Info("starting",
		"version", version,
		"stream_url", cfg.StreamURL,
		"limit", cfg.Limit,
		"part_workers", cfg.PartWorkers,
		"metrics_addr", cfg.MetricsAddr,
	)

	printBanner(cfg)

	orch := orchestrator.New(cfg, logger, orchestrator.Options{Version: version})
	if err := orch.Run(context.Background()); err != nil {
		var me *orchestrator.MasterError
		if errors.As(err, &me) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			if me.Err != nil {
				fmt.Fprintf(os.Stderr, "  cause: %v\n", me.Err)
			}
			return 1
		}
		logger.Error("run_failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                          llhls-monitor                            ║")
	fmt.Println("║          Low-Latency HLS delivery and latency monitoring          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Stream:      %s\n", cfg.StreamURL)
	if cfg.Limit > 0 {
		fmt.Printf("  Limit:       %d playlist polls per rendition\n", cfg.Limit)
	} else {
		fmt.Println("  Limit:       none (until interrupted)")
	}
	fmt.Printf("  Workers:     %d part downloads per rendition\n", cfg.PartWorkers)
	if cfg.SpeedLimitKbps > 0 {
		fmt.Printf("  Speed limit: %d Kbps\n", cfg.SpeedLimitKbps)
	}
	if cfg.SaveFiles {
		fmt.Printf("  Saving to:   %s\n", cfg.SaveDir)
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}
