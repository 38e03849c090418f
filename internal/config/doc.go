// Package config provides configuration types and loading for tcp3h.
//
// This package defines the relay's configuration model, YAML loading with
// environment variable substitution, validation, and file watching for
// hot reload.
//
// # Configuration Loading
//
// Load configuration from a YAML file:
//
//	cfg, err := config.LoadConfig("tcp3h.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    log.Fatal(err)
//	}
//
// Values may reference the environment with ${VAR} or ${VAR:-default}.
// A literal dollar sign is written as $$.
//
// # File Watching
//
// Watch for configuration changes:
//
//	watcher, err := config.NewWatcher(path, func(cfg *config.Config) {
//	    changes := config.Diff(current, cfg)
//	    // apply changes.Backend, changes.LogLevel
//	}, config.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	watcher.Start(ctx)
package config
