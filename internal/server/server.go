// Package server accepts client connections and runs one relay session per
// connection, announcing the client's address to the backend with a PROXY
// protocol v2 header.
package server

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/tcp3h/internal/circuitbreaker"
	"github.com/vyrodovalexey/tcp3h/internal/observability"
	"github.com/vyrodovalexey/tcp3h/internal/relay"
)

// Default configuration values.
const (
	// DefaultAcceptDeadline is the deadline for accept operations
	// to allow periodic context checks.
	DefaultAcceptDeadline = 500 * time.Millisecond

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultConnectTimeout bounds the backend dial.
	DefaultConnectTimeout = 5 * time.Second

	// Accept error backoff bounds.
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Config holds configuration for the server.
type Config struct {
	// ListenAddress is the address clients connect to.
	ListenAddress netip.AddrPort

	// BackendAddress is the initial backend address. SetBackend replaces it.
	BackendAddress netip.AddrPort

	// ConnectTimeout bounds each backend dial.
	ConnectTimeout time.Duration

	// MaxConnections limits concurrent sessions. Zero means unbounded.
	MaxConnections int

	// ShutdownTimeout is how long Stop waits for sessions before closing them.
	ShutdownTimeout time.Duration

	// AcceptDeadline is the deadline for accept operations to allow
	// periodic context checks.
	AcceptDeadline time.Duration

	// VerifyHeader decodes every encoded header before it is sent.
	VerifyHeader bool

	// SendUniqueID adds a UNIQUE_ID TLV carrying the session ID.
	SendUniqueID bool

	// Relay configures the copy loop.
	Relay relay.Config
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:  DefaultConnectTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		AcceptDeadline:  DefaultAcceptDeadline,
		VerifyHeader:    true,
		Relay:           *relay.DefaultConfig(),
	}
}

// Server is the TCP acceptor.
type Server struct {
	config      *Config
	logger      *zap.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	breaker     *circuitbreaker.Breaker
	relay       *relay.Relay
	connections *ConnectionTracker
	backend     atomic.Pointer[netip.AddrPort]
	dialer      net.Dialer

	listener      net.Listener
	wg            sync.WaitGroup
	acceptWG      sync.WaitGroup
	mu            sync.RWMutex
	serving       bool
	stopCh        chan struct{}
	sessionCancel context.CancelFunc
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTracer sets the tracer used for session spans.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Server) {
		s.tracer = t
	}
}

// WithCircuitBreaker guards backend dials with b.
func WithCircuitBreaker(b *circuitbreaker.Breaker) Option {
	return func(s *Server) {
		s.breaker = b
	}
}

// WithConnectionTracker replaces the default tracker.
func WithConnectionTracker(t *ConnectionTracker) Option {
	return func(s *Server) {
		s.connections = t
	}
}

// New creates a server.
func New(config *Config, opts ...Option) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Server{
		config: config,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics("")
	}
	if s.tracer == nil {
		// A disabled tracer cannot fail.
		s.tracer, _ = observability.NewTracer(observability.TracerConfig{})
	}
	if s.connections == nil {
		s.connections = NewConnectionTracker(config.MaxConnections, s.logger)
	}

	connectTimeout := config.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	s.dialer = net.Dialer{Timeout: connectTimeout}
	s.relay = relay.New(&config.Relay, s.logger)

	backend := config.BackendAddress
	s.backend.Store(&backend)

	return s
}

// Start binds the listener and runs the accept loop.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds the listen socket. Failures are returned as *BindError.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrServerRunning
	}

	addr := s.config.ListenAddress.String()
	lc := &net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return &BindError{Address: addr, Err: err}
	}

	s.listener = listener
	s.stopCh = make(chan struct{})
	return nil
}

// Serve runs the accept loop until ctx is cancelled or Stop is called.
// Sessions outlive ctx; Stop drains them.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return ErrNotListening
	}
	if s.serving {
		s.mu.Unlock()
		return ErrServerRunning
	}
	select {
	case <-s.stopCh:
		s.mu.Unlock()
		return nil
	default:
	}
	s.serving = true
	s.acceptWG.Add(1)
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.sessionCancel = cancel
	stopCh := s.stopCh
	s.mu.Unlock()
	defer s.acceptWG.Done()

	acceptDeadline := s.config.AcceptDeadline
	if acceptDeadline <= 0 {
		acceptDeadline = DefaultAcceptDeadline
	}

	s.logger.Info("starting TCP relay",
		zap.String("listen", s.listener.Addr().String()),
		zap.String("backend", s.Backend().String()),
		zap.Int("maxConnections", s.config.MaxConnections),
		zap.Bool("verifyHeader", s.config.VerifyHeader),
		zap.Bool("circuitBreaker", s.breaker != nil),
		zap.Duration("acceptDeadline", acceptDeadline),
		zap.Duration("shutdownTimeout", s.config.ShutdownTimeout),
	)

	return s.acceptLoop(ctx, sessionCtx, stopCh, acceptDeadline)
}

// acceptLoop runs the main connection accept loop.
func (s *Server) acceptLoop(
	ctx, sessionCtx context.Context,
	stopCh chan struct{},
	acceptDeadline time.Duration,
) error {
	var backoff time.Duration

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("server context cancelled, stopping accept loop")
			return ctx.Err()
		case <-stopCh:
			s.logger.Debug("stop signal received, stopping accept loop")
			return nil
		default:
		}

		if err := s.setAcceptDeadline(acceptDeadline); err != nil {
			s.logger.Warn("failed to set accept deadline", zap.Error(err))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-stopCh:
				return nil
			default:
			}

			backoff = nextBackoff(backoff)
			s.metrics.RecordAcceptError()
			s.logger.Error("accept error",
				zap.Error(errors.Join(ErrAccept, err)),
				zap.Duration("retryIn", backoff),
			)
			sleepOrDone(ctx, stopCh, backoff)
			continue
		}
		backoff = 0

		s.spawnConnectionHandler(sessionCtx, conn)
	}
}

// nextBackoff doubles the accept backoff within its bounds.
func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return d
}

// sleepOrDone waits d, returning early when the loop is told to stop.
func sleepOrDone(ctx context.Context, stopCh chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-stopCh:
	}
}

// spawnConnectionHandler spawns a goroutine to handle a new connection.
func (s *Server) spawnConnectionHandler(ctx context.Context, conn net.Conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConnection(ctx, conn)
	}()
}

// setAcceptDeadline sets the accept deadline on the listener.
// Returns nil if the listener doesn't support deadlines.
func (s *Server) setAcceptDeadline(deadline time.Duration) error {
	if l, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
		return l.SetDeadline(time.Now().Add(deadline))
	}
	return nil
}

// Stop stops the server gracefully. It closes the listener and waits for
// active sessions up to the shutdown timeout, then closes them.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	listener := s.listener
	shutdownTimeout := s.config.ShutdownTimeout
	s.mu.Unlock()

	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	s.logger.Info("stopping TCP relay",
		zap.Duration("shutdownTimeout", shutdownTimeout),
		zap.Int("activeSessions", s.connections.Count()),
	)

	if err := listener.Close(); err != nil {
		s.logger.Debug("error closing listener", zap.Error(err))
	}
	s.acceptWG.Wait()

	if ctx == nil {
		ctx = context.Background()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.waitForConnectionsOrTimeout(shutdownCtx)

	s.mu.Lock()
	if s.sessionCancel != nil {
		s.sessionCancel()
		s.sessionCancel = nil
	}
	s.listener = nil
	s.serving = false
	s.mu.Unlock()

	s.logger.Info("TCP relay stopped")
	return nil
}

// waitForConnectionsOrTimeout waits for sessions to finish or times out.
func (s *Server) waitForConnectionsOrTimeout(shutdownCtx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions closed gracefully")
	case <-shutdownCtx.Done():
		s.logger.Warn("graceful shutdown timed out, force closing remaining sessions",
			zap.Int("remainingSessions", s.connections.Count()),
		)
		s.mu.RLock()
		if s.sessionCancel != nil {
			s.sessionCancel()
		}
		s.mu.RUnlock()
		s.connections.CloseAll()

		select {
		case <-done:
			s.logger.Debug("all session handlers exited after force close")
		case <-time.After(time.Second):
			s.logger.Warn("some session handlers may still be running")
		}
	}
}

// IsRunning reports whether the listen socket is bound.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener != nil
}

// Addr returns the bound listen address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Backend returns the backend address used by new sessions.
func (s *Server) Backend() netip.AddrPort {
	return *s.backend.Load()
}

// SetBackend replaces the backend address for sessions accepted from now on.
func (s *Server) SetBackend(addr netip.AddrPort) {
	old := s.backend.Swap(&addr)
	if *old != addr {
		s.logger.Info("backend address changed",
			zap.Stringer("from", *old),
			zap.Stringer("to", addr),
		)
	}
}

// Breaker returns the backend dial circuit breaker, or nil when disabled.
func (s *Server) Breaker() *circuitbreaker.Breaker {
	return s.breaker
}

// ActiveSessions returns the number of active sessions.
func (s *Server) ActiveSessions() int {
	return s.connections.Count()
}

// Sessions returns a snapshot of the active sessions.
func (s *Server) Sessions() []SessionInfo {
	return s.connections.List()
}
