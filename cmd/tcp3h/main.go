// Package main is the entry point for tcp3h, a TCP relay that prefixes every
// backend connection with a PROXY protocol v2 header.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/vyrodovalexey/tcp3h/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Process exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// exitFunc is replaced in tests.
var exitFunc = os.Exit

func main() {
	exitFunc(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run parses args, starts the relay and blocks until SIGINT or SIGTERM.
// It returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	flags, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "tcp3h: %v\n", err)
		return exitUsage
	}

	if flags.showVersion {
		printVersion(stdout)
		return exitOK
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(stderr, "tcp3h: %v\n", err)
		return exitUsage
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(stderr, "tcp3h: failed to initialize logger: %v\n", err)
		return exitFailure
	}
	observability.SetGlobalLogger(logger)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting tcp3h",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.String("listen", cfg.Listen),
		observability.String("backend", cfg.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(cfg, flags, logger)
	if err != nil {
		logger.Error("failed to initialize", observability.Error(err))
		return exitFailure
	}

	if err := app.run(ctx); err != nil {
		logger.Error("tcp3h terminated", observability.Error(err))
		return exitFailure
	}
	return exitOK
}

// printVersion prints version information.
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "tcp3h version %s\n", version)
	fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}
