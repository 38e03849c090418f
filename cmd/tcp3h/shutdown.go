package main

import (
	"context"
	"errors"
	"time"

	"github.com/vyrodovalexey/tcp3h/internal/observability"
)

// shutdownGrace is added to the session drain timeout to bound the whole
// shutdown sequence.
const shutdownGrace = 5 * time.Second

// run binds the relay and serves until ctx is cancelled. A bind failure is
// returned immediately.
func (a *application) run(ctx context.Context) error {
	if err := a.server.Listen(ctx); err != nil {
		return err
	}

	if a.admin != nil {
		if err := a.admin.Listen(ctx); err != nil {
			a.shutdown()
			return err
		}
		go func() {
			if err := a.admin.Serve(); err != nil {
				a.logger.Error("admin server error", observability.Error(err))
			}
		}()
	}

	a.startConfigWatcher(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.Serve(ctx)
	}()

	a.logger.Info("tcp3h started",
		observability.Stringer("listen", a.server.Addr()),
		observability.Stringer("backend", a.server.Backend()),
	)

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("received shutdown signal")
	case err = <-serveErr:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}

	a.shutdown()
	return err
}

// shutdown stops every component. Sessions get the configured drain time.
func (a *application) shutdown() {
	timeout := a.currentConfig().ShutdownTimeout.Duration() + shutdownGrace
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Debug("failed to stop config watcher", observability.Error(err))
		}
	}

	if err := a.server.Stop(ctx); err != nil {
		a.logger.Error("failed to stop relay gracefully", observability.Error(err))
	}

	if a.admin != nil {
		if err := a.admin.Stop(ctx); err != nil {
			a.logger.Error("failed to stop admin server", observability.Error(err))
		}
	}

	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	a.logger.Info("tcp3h stopped")
}
