package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/tcp3h/internal/observability"
	"github.com/vyrodovalexey/tcp3h/internal/proxyproto"
	"github.com/vyrodovalexey/tcp3h/internal/relay"
	"github.com/vyrodovalexey/tcp3h/internal/util"
)

// handleConnection runs one session for an accepted client connection.
// Every failure ends only this session.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	backend := s.Backend()

	tracked, err := s.connections.Add(conn, backend.String())
	if err != nil {
		s.logger.Warn("connection rejected",
			zap.String("client", conn.RemoteAddr().String()),
			zap.Error(err),
		)
		_ = conn.Close()
		s.metrics.SessionFinished(observability.ResultRejected, 0)
		return
	}
	defer s.connections.Remove(tracked.ID)
	s.metrics.SessionStarted()

	ctx = util.ContextWithSessionID(ctx, tracked.ID)
	ctx = util.ContextWithClient(ctx, tracked.Client)
	ctx = util.ContextWithBackend(ctx, tracked.Backend)
	ctx = util.ContextWithStartTime(ctx, tracked.StartTime)
	ctx, span := s.tracer.StartSessionSpan(ctx, tracked.ID, tracked.Client, tracked.Backend)

	logger := s.logger.With(
		zap.String("session_id", tracked.ID),
		zap.String("client", tracked.Client),
		zap.String("backend", tracked.Backend),
	)

	var (
		stats   relay.Stats
		kind    string
		sessErr error
	)
	defer func() {
		if r := recover(); r != nil {
			kind = KindPanic
			sessErr = fmt.Errorf("session panic: %v", r)
			logger.Error("recovered from panic in session",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			_ = conn.Close()
		}
		s.finishSession(logger, span, tracked, stats, kind, sessErr)
	}()

	stats, kind, sessErr = s.runSession(ctx, logger, conn, tracked, backend)
}

// runSession connects to the backend, builds and checks the header and runs
// the relay. It returns the error kind alongside any error.
func (s *Server) runSession(
	ctx context.Context,
	logger *zap.Logger,
	conn net.Conn,
	tracked *TrackedConnection,
	backend netip.AddrPort,
) (relay.Stats, string, error) {
	backendConn, err := s.dialBackend(ctx, backend)
	if err != nil {
		_ = conn.Close()
		return relay.Stats{}, KindBackendConnect, err
	}

	var buf [proxyproto.MaxHeaderLen]byte
	addr, n, err := s.encodeHeader(conn.RemoteAddr(), backend, tracked.ID, buf[:])
	if err != nil {
		_ = conn.Close()
		_ = backendConn.Close()
		return relay.Stats{}, KindEncode, err
	}

	if s.config.VerifyHeader {
		if err := proxyproto.Verify(buf[:n], addr); err != nil {
			_ = conn.Close()
			_ = backendConn.Close()
			return relay.Stats{}, KindDecode, err
		}
		logger.Debug("proxy header verified", zap.Stringer("header", addr))
	}

	// Family cannot fail once Encode succeeded.
	family, _ := addr.Family()
	s.metrics.RecordHeader(family.String())
	trace.SpanFromContext(ctx).SetAttributes(observability.AttrHeaderFamily.String(family.String()))

	stats, err := s.relay.Run(ctx, NewCountingConn(conn, tracked), backendConn, buf[:n])
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrHeaderWriteFailed):
			return stats, KindHeaderWrite, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return stats, KindCanceled, err
		default:
			return stats, KindRelay, err
		}
	}
	return stats, "", nil
}

// dialBackend connects to backend, through the circuit breaker if one is set.
func (s *Server) dialBackend(ctx context.Context, backend netip.AddrPort) (net.Conn, error) {
	dial := func() (net.Conn, error) {
		return s.dialer.DialContext(ctx, "tcp", backend.String())
	}

	start := time.Now()
	var (
		conn net.Conn
		err  error
	)
	if s.breaker != nil {
		conn, err = s.breaker.Dial(dial)
	} else {
		conn, err = dial()
	}
	s.metrics.ObserveBackendDial(time.Since(start), err)

	if err != nil {
		if util.IsTimeout(err) {
			err = util.NewTimeoutError("backend dial", s.config.ConnectTimeout, err)
		}
		return nil, util.NewBackendErrorWithCause(backend.String(), "connect failed", err)
	}
	return conn, nil
}

// encodeHeader writes the header for client -> backend into buf.
func (s *Server) encodeHeader(
	client net.Addr,
	backend netip.AddrPort,
	sessionID string,
	buf []byte,
) (proxyproto.ProxiedAddress, int, error) {
	addr, err := proxyproto.FromAddrs(client, net.TCPAddrFromAddrPort(backend))
	if err != nil {
		return proxyproto.ProxiedAddress{}, 0, err
	}
	if s.config.SendUniqueID {
		addr = addr.WithTLVs(proxyproto.UniqueID(sessionID))
	}

	n, err := proxyproto.Encode(addr, buf)
	if err != nil {
		return proxyproto.ProxiedAddress{}, 0, err
	}
	return addr, n, nil
}

// finishSession records the session outcome in logs, metrics and the span.
func (s *Server) finishSession(
	logger *zap.Logger,
	span trace.Span,
	tracked *TrackedConnection,
	stats relay.Stats,
	kind string,
	err error,
) {
	duration := time.Since(tracked.StartTime)

	s.metrics.AddBytes(relay.ClientToBackend.String(), stats.ClientToBackend)
	s.metrics.AddBytes(relay.BackendToClient.String(), stats.BackendToClient)

	fields := []zap.Field{
		zap.Int64("bytesToBackend", stats.ClientToBackend),
		zap.Int64("bytesToClient", stats.BackendToClient),
		zap.Duration("duration", duration),
	}

	result := observability.ResultClosed
	switch {
	case err == nil:
		logger.Debug("session closed", fields...)
	case kind == KindCanceled:
		result = observability.ResultError
		s.metrics.RecordSessionError(kind)
		logger.Info("session cancelled", append(fields, zap.String("error_kind", kind))...)
	default:
		result = observability.ResultError
		s.metrics.RecordSessionError(kind)
		logger.Warn("session failed",
			append(fields, zap.String("error_kind", kind), zap.Error(err))...,
		)
	}

	s.metrics.SessionFinished(result, duration)
	observability.EndSessionSpan(span, stats.ClientToBackend, stats.BackendToClient, kind, err)
}
