// Package admin serves the operational HTTP endpoints: liveness, readiness,
// Prometheus metrics and the list of active sessions.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/tcp3h/internal/health"
	"github.com/vyrodovalexey/tcp3h/internal/observability"
	"github.com/vyrodovalexey/tcp3h/internal/server"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions
var ginModeOnce sync.Once

// SessionSource reports the relay's active sessions.
type SessionSource interface {
	ActiveSessions() int
	Sessions() []server.SessionInfo
}

// Config holds configuration for the admin server.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Address:      "127.0.0.1:9090",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the admin HTTP server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	checker    *health.Checker
	metrics    *observability.Metrics
	sessions   SessionSource
	logger     *zap.Logger
	config     *Config
	mu         sync.RWMutex
}

// New creates the admin server and registers its routes.
func New(
	config *Config,
	checker *health.Checker,
	metrics *observability.Metrics,
	sessions SessionSource,
	logger *zap.Logger,
) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:   gin.New(),
		checker:  checker,
		metrics:  metrics,
		sessions: sessions,
		logger:   logger,
		config:   config,
	}
	s.engine.Use(recovery(logger), requestLogging(logger))
	s.registerRoutes()

	return s
}

// Handler returns the HTTP handler serving all admin routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Listen binds the admin address.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("admin server already running")
	}

	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	return nil
}

// Serve serves requests until Stop is called.
func (s *Server) Serve() error {
	s.mu.RLock()
	ln, srv := s.listener, s.httpServer
	s.mu.RUnlock()

	if ln == nil {
		return fmt.Errorf("admin server is not listening")
	}

	s.logger.Info("starting admin server", zap.String("address", ln.Addr().String()))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server error: %w", err)
	}
	return nil
}

// Start binds and serves.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.logger.Info("stopping admin server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
