package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/vyrodovalexey/tcp3h/internal/config"
)

// cliFlags holds command line flags. Empty strings mean "not given".
type cliFlags struct {
	configPath      string
	listen          string
	backend         string
	logLevel        string
	logFormat       string
	adminListen     string
	verifyHeader    bool
	verifyHeaderSet bool
	showVersion     bool
}

// parseFlags parses args. Environment variables supply defaults for the
// flags that have one.
func parseFlags(args []string, output io.Writer) (cliFlags, error) {
	var f cliFlags

	fs := pflag.NewFlagSet("tcp3h", pflag.ContinueOnError)
	fs.SetOutput(output)
	fs.SortFlags = false

	fs.StringVarP(&f.listen, "listen", "l", "",
		"Socket address to accept clients on (ip:port)")
	fs.StringVarP(&f.backend, "backend", "b", "",
		"Backend socket address to relay to (ip:port)")
	fs.StringVarP(&f.configPath, "config", "c", getEnvOrDefault(envConfig, ""),
		"Path to YAML configuration file (env "+envConfig+")")
	fs.StringVar(&f.logLevel, "log-level", getEnvOrDefault(envLogLevel, ""),
		"Log level: debug, info, warn, error (env "+envLogLevel+")")
	fs.StringVar(&f.logFormat, "log-format", getEnvOrDefault(envLogFormat, ""),
		"Log format: json, console (env "+envLogFormat+")")
	fs.StringVar(&f.adminListen, "admin-listen", getEnvOrDefault(envAdminListen, ""),
		"Admin HTTP address; empty keeps the file setting (env "+envAdminListen+")")
	fs.BoolVar(&f.verifyHeader, "verify-header", true,
		"Decode every PROXY header before it is sent")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	f.verifyHeaderSet = fs.Changed("verify-header")
	return f, nil
}

// apply overrides cfg with the flags that were given.
func (f cliFlags) apply(cfg *config.Config) {
	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.backend != "" {
		cfg.Backend = f.backend
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.adminListen != "" {
		cfg.Admin.Enabled = true
		cfg.Admin.Address = f.adminListen
	}
	if f.verifyHeaderSet {
		cfg.Relay.VerifyHeader = f.verifyHeader
	}
}

// loadConfig builds the effective configuration: defaults, then the file if
// one was given, then flags. The result is validated.
func loadConfig(f cliFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if f.configPath != "" {
		loaded, err := config.LoadConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	f.apply(cfg)

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
