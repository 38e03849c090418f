package main

import (
	"fmt"
	"sync"

	"github.com/vyrodovalexey/tcp3h/internal/admin"
	"github.com/vyrodovalexey/tcp3h/internal/circuitbreaker"
	"github.com/vyrodovalexey/tcp3h/internal/config"
	"github.com/vyrodovalexey/tcp3h/internal/health"
	"github.com/vyrodovalexey/tcp3h/internal/observability"
	"github.com/vyrodovalexey/tcp3h/internal/relay"
	"github.com/vyrodovalexey/tcp3h/internal/server"
)

// application holds all application components.
type application struct {
	flags   cliFlags
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	breaker *circuitbreaker.Breaker
	checker *health.Checker
	server  *server.Server
	admin   *admin.Server
	watcher *config.Watcher

	mu     sync.Mutex
	config *config.Config
}

// newApplication initializes all application components from a validated
// configuration.
func newApplication(cfg *config.Config, flags cliFlags, logger observability.Logger) (*application, error) {
	app := &application{
		flags:  flags,
		logger: logger,
		config: cfg,
	}

	app.metrics = observability.NewMetrics("tcp3h")
	app.metrics.InitVecMetrics()
	app.metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer, err := initTracer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.tracer = tracer

	if cfg.CircuitBreaker.Enabled {
		app.breaker = circuitbreaker.New(
			circuitbreaker.Config{
				Name:      circuitbreaker.DefaultName,
				Threshold: cfg.CircuitBreaker.Threshold,
				Timeout:   cfg.CircuitBreaker.Timeout.Duration(),
			},
			circuitbreaker.WithLogger(logger.Zap()),
			circuitbreaker.WithStateCallback(app.metrics.SetCircuitBreakerState),
		)
	}

	serverCfg, err := serverConfig(cfg)
	if err != nil {
		return nil, err
	}
	app.server = server.New(serverCfg,
		server.WithLogger(logger.Zap()),
		server.WithMetrics(app.metrics),
		server.WithTracer(app.tracer),
		server.WithCircuitBreaker(app.breaker),
	)

	app.checker = health.NewChecker(version)
	app.checker.RegisterCheck(health.CheckListener, health.ListenerCheck(app.server.IsRunning))
	app.checker.RegisterCheck(health.CheckCapacity, health.CapacityCheck(app.server.ActiveSessions, cfg.MaxConnections))
	if app.breaker != nil {
		app.checker.RegisterCheck(health.CheckCircuitBreaker, health.CircuitBreakerCheck(app.breaker.IsOpen))
	}

	if cfg.Admin.Enabled {
		adminCfg := admin.DefaultConfig()
		adminCfg.Address = cfg.Admin.Address
		app.admin = admin.New(adminCfg, app.checker, app.metrics, app.server, logger.Zap().Named("admin"))
	}

	return app, nil
}

// initTracer initializes the tracer.
func initTracer(cfg *config.Config) (*observability.Tracer, error) {
	return observability.NewTracer(observability.TracerConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
}

// serverConfig maps the file configuration onto the server's.
func serverConfig(cfg *config.Config) (*server.Config, error) {
	listen, err := cfg.ListenAddr()
	if err != nil {
		return nil, err
	}
	backend, err := cfg.BackendAddr()
	if err != nil {
		return nil, err
	}

	sc := server.DefaultConfig()
	sc.ListenAddress = listen
	sc.BackendAddress = backend
	sc.ConnectTimeout = cfg.Relay.ConnectTimeout.Duration()
	sc.MaxConnections = cfg.MaxConnections
	sc.ShutdownTimeout = cfg.ShutdownTimeout.Duration()
	sc.VerifyHeader = cfg.Relay.VerifyHeader
	sc.SendUniqueID = cfg.Relay.SendUniqueID
	sc.Relay = relay.Config{
		BufferSize:         cfg.Relay.BufferSize,
		HeaderWriteTimeout: cfg.Relay.HeaderWriteTimeout.Duration(),
		DrainTimeout:       cfg.Relay.DrainTimeout.Duration(),
	}
	return sc, nil
}

// currentConfig returns the configuration currently in effect.
func (a *application) currentConfig() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config
}
