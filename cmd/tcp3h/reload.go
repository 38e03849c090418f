package main

import (
	"context"

	"github.com/vyrodovalexey/tcp3h/internal/config"
	"github.com/vyrodovalexey/tcp3h/internal/observability"
)

// startConfigWatcher starts watching the configuration file, if one is used.
func (a *application) startConfigWatcher(ctx context.Context) {
	if a.flags.configPath == "" {
		return
	}

	watcher, err := config.NewWatcher(a.flags.configPath, a.applyConfig,
		config.WithLogger(a.logger),
		config.WithOverrides(a.flags.apply),
		config.WithErrorCallback(func(error) {
			a.metrics.RecordConfigReload(false)
		}),
	)
	if err != nil {
		a.logger.Warn("failed to create config watcher", observability.Error(err))
		return
	}

	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return
	}
	a.watcher = watcher
}

// applyConfig applies a reloaded configuration. The backend address and
// log level change in place; everything else is reported as needing a
// restart and keeps its running value.
func (a *application) applyConfig(next *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.metrics.RecordConfigReload(true)

	changes := config.Diff(a.config, next)
	if !changes.HasChanges() {
		a.logger.Debug("configuration unchanged")
		return
	}

	applied := a.config.Clone()

	if changes.Backend {
		backend, err := next.BackendAddr()
		if err != nil {
			a.logger.Error("reloaded backend address rejected", observability.Error(err))
		} else {
			a.server.SetBackend(backend)
			applied.Backend = next.Backend
		}
	}

	if changes.LogLevel {
		if err := a.logger.SetLevel(next.Log.Level); err != nil {
			a.logger.Error("reloaded log level rejected", observability.Error(err))
		} else {
			applied.Log.Level = next.Log.Level
			a.logger.Info("log level changed", observability.String("level", next.Log.Level))
		}
	}

	if len(changes.RestartRequired) > 0 {
		a.logger.Warn("configuration changes require a restart to take effect",
			observability.Strings("keys", changes.RestartRequired),
		)
	}

	a.config = applied
}
