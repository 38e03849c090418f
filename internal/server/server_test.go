package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/tcp3h/internal/circuitbreaker"
	"github.com/vyrodovalexey/tcp3h/internal/observability"
	"github.com/vyrodovalexey/tcp3h/internal/proxyproto"
	"github.com/vyrodovalexey/tcp3h/internal/util"
)

const testTimeout = 5 * time.Second

// backendServer is a loopback listener standing in for the backend.
type backendServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func startBackend(t *testing.T) *backendServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &backendServer{ln: ln, conns: make(chan net.Conn, 16)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.conns <- conn
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return b
}

func (b *backendServer) addr() netip.AddrPort {
	ap := b.ln.Addr().(*net.TCPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (b *backendServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-b.conns:
		t.Cleanup(func() { _ = conn.Close() })
		_ = conn.SetDeadline(time.Now().Add(testTimeout))
		return conn
	case <-time.After(testTimeout):
		t.Fatal("backend did not receive a connection")
		return nil
	}
}

// refusedAddr returns a loopback address nothing listens on.
func refusedAddr(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ap := ln.Addr().(*net.TCPAddr).AddrPort()
	require.NoError(t, ln.Close())
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func testConfig(backend netip.AddrPort) *Config {
	cfg := DefaultConfig()
	cfg.ListenAddress = netip.MustParseAddrPort("127.0.0.1:0")
	cfg.BackendAddress = backend
	cfg.AcceptDeadline = 50 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	cfg.ConnectTimeout = time.Second
	return cfg
}

func startServer(t *testing.T, cfg *Config, opts ...Option) *Server {
	t.Helper()

	s := New(cfg, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, s.Listen(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	t.Cleanup(func() {
		_ = s.Stop(context.Background())
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Error("accept loop did not exit")
		}
	})
	return s
}

func dialServer(t *testing.T, s *Server) *net.TCPConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(testTimeout))
	return conn.(*net.TCPConn)
}

func localAddrPort(conn net.Conn) netip.AddrPort {
	ap := conn.LocalAddr().(*net.TCPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// metricValue returns the value of the sample of name whose labels include
// labels, or 0 when there is none.
func metricValue(t *testing.T, m *observability.Metrics, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if !hasLabels(metric, labels) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for name, value := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == name && lp.GetValue() == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// assertClosedByRelay checks that the relay closed conn without sending data.
func assertClosedByRelay(t *testing.T, conn net.Conn) {
	t.Helper()

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	assert.Zero(t, n)
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "connection was not closed: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.Equal(t, DefaultAcceptDeadline, cfg.AcceptDeadline)
	assert.Zero(t, cfg.MaxConnections)
	assert.True(t, cfg.VerifyHeader)
	assert.False(t, cfg.SendUniqueID)
}

func TestNew(t *testing.T) {
	t.Run("with nil config uses defaults", func(t *testing.T) {
		s := New(nil)

		require.NotNil(t, s)
		assert.NotNil(t, s.logger)
		assert.NotNil(t, s.metrics)
		assert.NotNil(t, s.tracer)
		assert.NotNil(t, s.connections)
		assert.Nil(t, s.Breaker())
		assert.False(t, s.IsRunning())
		assert.Nil(t, s.Addr())
		assert.Equal(t, DefaultConnectTimeout, s.dialer.Timeout)
	})

	t.Run("with options", func(t *testing.T) {
		m := observability.NewMetrics("test")
		b := circuitbreaker.New(circuitbreaker.Config{Threshold: 1, Timeout: time.Second})
		tracker := NewConnectionTracker(3, nil)
		backend := netip.MustParseAddrPort("10.0.0.5:5432")

		cfg := DefaultConfig()
		cfg.BackendAddress = backend
		s := New(cfg,
			WithMetrics(m),
			WithCircuitBreaker(b),
			WithConnectionTracker(tracker),
		)

		assert.Same(t, m, s.metrics)
		assert.Same(t, b, s.Breaker())
		assert.Same(t, tracker, s.connections)
		assert.Equal(t, backend, s.Backend())
	})
}

func TestServer_Listen(t *testing.T) {
	t.Run("binds and reports address", func(t *testing.T) {
		s := New(testConfig(netip.MustParseAddrPort("127.0.0.1:1")))
		require.NoError(t, s.Listen(context.Background()))
		defer func() { _ = s.Stop(context.Background()) }()

		assert.True(t, s.IsRunning())
		require.NotNil(t, s.Addr())
		assert.NotEqual(t, 0, s.Addr().(*net.TCPAddr).Port)
	})

	t.Run("second listen fails", func(t *testing.T) {
		s := New(testConfig(netip.MustParseAddrPort("127.0.0.1:1")))
		require.NoError(t, s.Listen(context.Background()))
		defer func() { _ = s.Stop(context.Background()) }()

		assert.ErrorIs(t, s.Listen(context.Background()), ErrServerRunning)
	})

	t.Run("address in use is a bind error", func(t *testing.T) {
		taken, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer taken.Close()

		cfg := testConfig(netip.MustParseAddrPort("127.0.0.1:1"))
		cfg.ListenAddress = taken.Addr().(*net.TCPAddr).AddrPort()
		s := New(cfg)

		err = s.Listen(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBind)

		var bindErr *BindError
		require.ErrorAs(t, err, &bindErr)
		assert.Equal(t, cfg.ListenAddress.String(), bindErr.Address)
		assert.False(t, s.IsRunning())
	})
}

func TestServer_Serve_NotListening(t *testing.T) {
	s := New(testConfig(netip.MustParseAddrPort("127.0.0.1:1")))
	assert.ErrorIs(t, s.Serve(context.Background()), ErrNotListening)
}

func TestServer_Start_BindError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(netip.MustParseAddrPort("127.0.0.1:1"))
	cfg.ListenAddress = taken.Addr().(*net.TCPAddr).AddrPort()

	err = New(cfg).Start(context.Background())
	assert.ErrorIs(t, err, ErrBind)
}

func TestServer_HeaderPrecedesClientData(t *testing.T) {
	backend := startBackend(t)
	m := observability.NewMetrics("")
	s := startServer(t, testConfig(backend.addr()), WithMetrics(m))

	client := dialServer(t, s)
	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)

	bconn := backend.accept(t)
	header, err := proxyproto.Read(bconn)
	require.NoError(t, err)

	assert.Equal(t, proxyproto.Version, header.Version)
	assert.Equal(t, proxyproto.CommandProxy, header.Command)
	assert.Equal(t, proxyproto.FamilyInet, header.Family)
	assert.Equal(t, proxyproto.TransportStream, header.Transport)
	assert.Equal(t, localAddrPort(client), header.Source)
	assert.Equal(t, backend.addr(), header.Destination)
	assert.Empty(t, header.TLVs)

	payload := make([]byte, 5)
	_, err = io.ReadFull(bconn, payload)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))

	assert.Eventually(t, func() bool {
		return metricValue(t, m, "tcp3h_proxy_headers_total", map[string]string{"family": "AF_INET"}) == 1
	}, testTimeout, 10*time.Millisecond)
}

func TestServer_BackendDataReachesClientWithoutHeader(t *testing.T) {
	backend := startBackend(t)
	s := startServer(t, testConfig(backend.addr()))

	client := dialServer(t, s)
	bconn := backend.accept(t)

	_, err := bconn.Write([]byte("world"))
	require.NoError(t, err)

	got := make([]byte, 5)
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	// The header still went to the backend, and only there.
	header, err := proxyproto.Read(bconn)
	require.NoError(t, err)
	assert.Equal(t, localAddrPort(client), header.Source)
}

func TestServer_BackendRefused(t *testing.T) {
	m := observability.NewMetrics("")
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	s := startServer(t, testConfig(refusedAddr(t)),
		WithMetrics(m),
		WithTracer(observability.NewTracerWithProvider(tp, "test")),
	)

	client := dialServer(t, s)
	assertClosedByRelay(t, client)

	assert.Eventually(t, func() bool {
		return metricValue(t, m, "tcp3h_session_errors_total", map[string]string{"kind": KindBackendConnect}) == 1
	}, testTimeout, 10*time.Millisecond)
	assert.Equal(t, 0.0, metricValue(t, m, "tcp3h_proxy_headers_total", nil))

	require.Eventually(t, func() bool { return len(sr.Ended()) == 1 }, testTimeout, 10*time.Millisecond)
	span := sr.Ended()[0]
	assert.Equal(t, observability.SessionSpanName, span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)
	var kind string
	for _, attr := range span.Attributes() {
		if attr.Key == observability.AttrErrorKind {
			kind = attr.Value.AsString()
		}
	}
	assert.Equal(t, KindBackendConnect, kind)

	// The acceptor keeps going: point it at a live backend and retry.
	backend := startBackend(t)
	s.SetBackend(backend.addr())

	next := dialServer(t, s)
	_, err := next.Write([]byte("again"))
	require.NoError(t, err)

	bconn := backend.accept(t)
	header, err := proxyproto.Read(bconn)
	require.NoError(t, err)
	assert.Equal(t, localAddrPort(next), header.Source)
	assert.Equal(t, backend.addr(), header.Destination)
}

func TestServer_ClientHalfClose(t *testing.T) {
	backend := startBackend(t)
	m := observability.NewMetrics("")
	s := startServer(t, testConfig(backend.addr()), WithMetrics(m))

	client := dialServer(t, s)
	_, err := client.Write([]byte("last words"))
	require.NoError(t, err)
	require.NoError(t, client.CloseWrite())

	bconn := backend.accept(t)
	_, err = proxyproto.Read(bconn)
	require.NoError(t, err)

	rest, err := io.ReadAll(bconn)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(rest))

	assert.Eventually(t, func() bool {
		return metricValue(t, m, "tcp3h_sessions_total", map[string]string{"result": observability.ResultClosed}) == 1
	}, testTimeout, 10*time.Millisecond)
	assert.Equal(t, 0.0, metricValue(t, m, "tcp3h_session_errors_total", nil))
	assert.Equal(t, 10.0, metricValue(t, m, "tcp3h_bytes_total", map[string]string{"direction": "client->backend"}))
	assert.Eventually(t, func() bool { return s.ActiveSessions() == 0 }, testTimeout, 10*time.Millisecond)
}

func TestServer_SendUniqueID(t *testing.T) {
	backend := startBackend(t)
	cfg := testConfig(backend.addr())
	cfg.SendUniqueID = true
	s := startServer(t, cfg)

	dialServer(t, s)
	bconn := backend.accept(t)
	header, err := proxyproto.Read(bconn)
	require.NoError(t, err)

	id, ok := header.TLV(proxyproto.TLVTypeUniqueID)
	require.True(t, ok)

	sessions := s.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, sessions[0].ID, string(id))
	assert.Equal(t, backend.addr().String(), sessions[0].Backend)
}

func TestServer_MaxConnections(t *testing.T) {
	backend := startBackend(t)
	m := observability.NewMetrics("")
	cfg := testConfig(backend.addr())
	cfg.MaxConnections = 1
	s := startServer(t, cfg, WithMetrics(m))

	dialServer(t, s)
	backend.accept(t)
	require.Eventually(t, func() bool { return s.ActiveSessions() == 1 }, testTimeout, 10*time.Millisecond)

	second := dialServer(t, s)
	assertClosedByRelay(t, second)

	assert.Eventually(t, func() bool {
		return metricValue(t, m, "tcp3h_sessions_total", map[string]string{"result": observability.ResultRejected}) == 1
	}, testTimeout, 10*time.Millisecond)
	assert.Equal(t, 1.0, metricValue(t, m, "tcp3h_active_sessions", nil))
}

func TestServer_MixedFamiliesFailEncode(t *testing.T) {
	probe, err := net.Listen("tcp", "[::1]:0")
	if err != nil {
		t.Skip("IPv6 loopback not available")
	}
	_ = probe.Close()

	backend := startBackend(t)
	m := observability.NewMetrics("")
	cfg := testConfig(backend.addr())
	cfg.ListenAddress = netip.MustParseAddrPort("[::1]:0")
	s := startServer(t, cfg, WithMetrics(m))

	client := dialServer(t, s)
	assertClosedByRelay(t, client)

	// The backend connection is dropped without a single byte.
	bconn := backend.accept(t)
	n, err := bconn.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.Error(t, err)

	assert.Eventually(t, func() bool {
		return metricValue(t, m, "tcp3h_session_errors_total", map[string]string{"kind": KindEncode}) == 1
	}, testTimeout, 10*time.Millisecond)
}

func TestServer_CircuitBreakerOpens(t *testing.T) {
	m := observability.NewMetrics("")
	b := circuitbreaker.New(circuitbreaker.Config{Threshold: 1, Timeout: time.Minute},
		circuitbreaker.WithStateCallback(m.SetCircuitBreakerState),
	)
	s := startServer(t, testConfig(refusedAddr(t)), WithMetrics(m), WithCircuitBreaker(b))

	assertClosedByRelay(t, dialServer(t, s))
	require.Eventually(t, b.IsOpen, testTimeout, 10*time.Millisecond)

	assertClosedByRelay(t, dialServer(t, s))
	assert.Eventually(t, func() bool {
		return metricValue(t, m, "tcp3h_session_errors_total", map[string]string{"kind": KindBackendConnect}) == 2
	}, testTimeout, 10*time.Millisecond)
	assert.Equal(t, 2.0, metricValue(t, m, "tcp3h_circuit_breaker_state", map[string]string{"name": "backend"}))
}

func TestServer_SessionsOutliveServeContext(t *testing.T) {
	backend := startBackend(t)
	s := New(testConfig(backend.addr()), WithLogger(zap.NewNop()))
	require.NoError(t, s.Listen(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	client := dialServer(t, s)
	bconn := backend.accept(t)
	_, err := proxyproto.Read(bconn)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return")
	}

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = io.ReadFull(bconn, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
}

func TestServer_Stop(t *testing.T) {
	t.Run("not started is a no-op", func(t *testing.T) {
		s := New(nil)
		assert.NoError(t, s.Stop(context.Background()))
	})

	t.Run("force closes idle sessions after timeout", func(t *testing.T) {
		backend := startBackend(t)
		m := observability.NewMetrics("")
		cfg := testConfig(backend.addr())
		cfg.ShutdownTimeout = 100 * time.Millisecond
		s := startServer(t, cfg, WithMetrics(m))

		client := dialServer(t, s)
		backend.accept(t)
		require.Eventually(t, func() bool { return s.ActiveSessions() == 1 }, testTimeout, 10*time.Millisecond)

		start := time.Now()
		require.NoError(t, s.Stop(context.Background()))
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.False(t, s.IsRunning())

		assertClosedByRelay(t, client)
		assert.Equal(t, 0, s.ActiveSessions())
		assert.Equal(t, 0.0, metricValue(t, m, "tcp3h_active_sessions", nil))
	})

	t.Run("waits for sessions to finish", func(t *testing.T) {
		backend := startBackend(t)
		s := startServer(t, testConfig(backend.addr()))

		client := dialServer(t, s)
		bconn := backend.accept(t)
		_, err := proxyproto.Read(bconn)
		require.NoError(t, err)

		stopped := make(chan struct{})
		go func() {
			_ = s.Stop(context.Background())
			close(stopped)
		}()

		_, err = client.Write([]byte("bye"))
		require.NoError(t, err)
		got := make([]byte, 3)
		_, err = io.ReadFull(bconn, got)
		require.NoError(t, err)
		assert.Equal(t, "bye", string(got))

		require.NoError(t, client.Close())
		select {
		case <-stopped:
		case <-time.After(testTimeout):
			t.Fatal("Stop did not return after the session ended")
		}
	})
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, 5 * time.Millisecond},
		{5 * time.Millisecond, 10 * time.Millisecond},
		{600 * time.Millisecond, time.Second},
		{time.Second, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, nextBackoff(tt.in), "from %v", tt.in)
	}
}

func TestBindError(t *testing.T) {
	cause := errors.New("address already in use")
	err := &BindError{Address: "127.0.0.1:80", Err: cause}

	assert.Equal(t, "failed to listen on 127.0.0.1:80: address already in use", err.Error())
	assert.ErrorIs(t, err, ErrBind)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, util.ErrBackendUnavail)
}
