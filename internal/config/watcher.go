package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/tcp3h/internal/observability"
)

// DefaultSettleDelay is how long the file must stay quiet before a reload.
const DefaultSettleDelay = 100 * time.Millisecond

// ConfigCallback is called with each reloaded configuration that differs
// from the one in effect.
type ConfigCallback func(*Config)

// ErrorCallback is called when a reload fails.
type ErrorCallback func(error)

// Watcher reloads a configuration file when it changes on disk.
//
// Saves that leave the relay settings untouched, such as comment edits or
// a touch, are absorbed without calling the callback.
type Watcher struct {
	path      string
	fsw       *fsnotify.Watcher
	onChange  ConfigCallback
	onError   ErrorCallback
	overrides func(*Config)
	logger    observability.Logger
	settle    time.Duration

	mu      sync.Mutex
	current *Config
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long writes must pause before a reload.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.settle = delay
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the callback for rejected reloads.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.onError = callback
	}
}

// WithOverrides applies fn to every loaded file before it is validated.
// Command line flags use it to keep precedence over the file across reloads.
func WithOverrides(fn func(*Config)) WatcherOption {
	return func(w *Watcher) {
		w.overrides = fn
	}
}

// NewWatcher creates a watcher for the file at path.
func NewWatcher(path string, callback ConfigCallback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     absPath,
		fsw:      fsw,
		onChange: callback,
		logger:   observability.GetGlobalLogger(),
		settle:   DefaultSettleDelay,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.settle <= 0 {
		w.settle = DefaultSettleDelay
	}

	return w, nil
}

// Start loads the file, which must be valid, and watches it until ctx is
// cancelled or Stop is called. The parent directory is watched so that
// editors replacing the file by rename are noticed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	cfg, err := w.load()
	if err != nil {
		return err
	}
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.current = cfg
	w.started = true

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(runCtx)

	w.logger.Info("watching configuration file", observability.String("path", w.path))
	return nil
}

// Stop ends watching and releases the fsnotify watcher. It is safe to call
// more than once and before Start.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-w.done
	}

	w.closeOnce.Do(func() {
		w.closeErr = w.fsw.Close()
	})
	return w.closeErr
}

// Current returns the configuration in effect, or nil before the first load.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload loads the file now. It reports whether the relay settings changed,
// in which case the callback has been called. An invalid file leaves the
// current configuration in place.
func (w *Watcher) Reload() (bool, error) {
	next, err := w.load()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	if prev != nil && !Diff(prev, next).HasChanges() {
		return false, nil
	}
	if w.onChange != nil {
		w.onChange(next)
	}
	return true, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	settle := time.NewTimer(w.settle)
	settle.Stop()
	defer settle.Stop()

	pending := false
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("config watcher stopped")
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.touchesConfig(event) {
				continue
			}
			w.logger.Debug("config file event",
				observability.String("op", event.Op.String()),
			)
			pending = true
			settle.Reset(w.settle)

		case <-settle.C:
			if pending {
				pending = false
				w.reloadFromEvent()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", observability.Error(err))
			w.reportError(err)
		}
	}
}

// touchesConfig reports whether event may have changed the file contents.
// Chmod and Remove are ignored: a removed file is either replaced, which
// arrives as Create or Rename, or gone, and the running config stays.
func (w *Watcher) touchesConfig(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *Watcher) reloadFromEvent() {
	changed, err := w.Reload()
	switch {
	case err != nil:
		w.logger.Error("configuration reload rejected",
			observability.String("path", w.path),
			observability.Error(err),
		)
		w.reportError(err)
	case !changed:
		w.logger.Debug("configuration file saved without relay setting changes")
	default:
		w.logger.Info("configuration reloaded", observability.String("path", w.path))
	}
}

func (w *Watcher) reportError(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

func (w *Watcher) load() (*Config, error) {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		return nil, err
	}
	if w.overrides != nil {
		w.overrides(cfg)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
