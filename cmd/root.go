// Package cmd wires configuration, the shape detector, and the control
// loop together behind a small flag-driven CLI.
package cmd

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// Version is set at build time via ldflags.
var Version = "0.1.0"

// Config holds CLI configuration resolved from flags and the positional
// interval argument.
type Config struct {
	DataDir      string
	TemplateDir  string
	Shape        string
	HealthAddr   string
	HealthEnable bool
	WatchMode    bool
	WatchCount   int
	WatchInterval int
}

// ExitCodeError signals a non-zero exit code without calling os.Exit
// directly, so callers can still run deferred cleanup.
type ExitCodeError struct{ Code int }

func (e ExitCodeError) Error() string { return fmt.Sprintf("exit %d", e.Code) }

func printUsage() {
	fmt.Fprintf(os.Stderr, `loadshaper v%s — always-free tier resource shaper

Usage:
  loadshaper [OPTIONS] [INTERVAL]

Modes:
  (default)      Run the shaping daemon in the foreground
  -watch         Attach a terminal status dashboard to a running daemon
  -health        Expose /health only (no shaping); for probes
  -version       Print version and exit

Options:
  -datadir PATH      Metrics store and ring-snapshot directory (default: /var/lib/loadshaper)
  -templatedir PATH  Shape template directory (default: ./config-templates)
  -shape NAME        Force a shape template instead of auto-detecting (e.g. a1-flex-1)
  -health-addr ADDR  Health endpoint listen address (default: :8080)
  -no-health         Disable the health endpoint
  -count N           Iterations for -watch (0 = infinite, default: 0)
  -interval N        Watch refresh interval in seconds (default: 2)

Positional:
  INTERVAL           First positional arg sets the watch refresh interval

Examples:
  sudo loadshaper                      Run the daemon with auto-detected shape
  sudo loadshaper -shape a1-flex-1     Run the daemon against a specific template
  loadshaper -watch                    Attach a status dashboard, 2s refresh
  loadshaper -watch -count 10 3        Ten refreshes at 3s
  loadshaper -version
`, Version)
}

// Run parses flags and dispatches to the daemon, the watch dashboard, or
// health-only mode.
func Run() error {
	var cfg Config
	var showVersion bool

	flag.StringVar(&cfg.DataDir, "datadir", "/var/lib/loadshaper", "Metrics store and ring-snapshot directory")
	flag.StringVar(&cfg.TemplateDir, "templatedir", "config-templates", "Shape template directory")
	flag.StringVar(&cfg.Shape, "shape", "", "Force a shape template instead of auto-detecting")
	flag.StringVar(&cfg.HealthAddr, "health-addr", ":8080", "Health endpoint listen address")
	noHealth := flag.Bool("no-health", false, "Disable the health endpoint")
	flag.BoolVar(&cfg.WatchMode, "watch", false, "Attach a terminal status dashboard")
	flag.IntVar(&cfg.WatchCount, "count", 0, "Iterations for -watch (0=infinite)")
	flag.IntVar(&cfg.WatchInterval, "interval", 2, "Watch refresh interval in seconds")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	healthOnly := flag.Bool("health", false, "Expose /health only, no shaping")

	flag.Usage = printUsage
	flag.Parse()

	if showVersion {
		fmt.Printf("loadshaper v%s\n", Version)
		return nil
	}

	if args := flag.Args(); len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			cfg.WatchInterval = n
		}
	}

	cfg.HealthEnable = !*noHealth

	if cfg.WatchMode {
		return runWatch(cfg)
	}
	if *healthOnly {
		return runHealthOnly(cfg)
	}
	return runDaemon(cfg)
}
