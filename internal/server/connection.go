package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnectionTracker tracks active client connections for limits, the
// sessions endpoint and forced shutdown.
type ConnectionTracker struct {
	connections sync.Map
	maxConns    int
	connCount   int64
	logger      *zap.Logger
}

// TrackedConnection is one client connection and its relay session.
type TrackedConnection struct {
	ID        string
	Client    string
	Backend   string
	StartTime time.Time
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
	conn      net.Conn
}

// SessionInfo is a point-in-time view of a tracked connection.
type SessionInfo struct {
	ID        string    `json:"id"`
	Client    string    `json:"client"`
	Backend   string    `json:"backend"`
	StartTime time.Time `json:"start_time"`
	Duration  string    `json:"duration"`
	BytesIn   int64     `json:"bytes_in"`
	BytesOut  int64     `json:"bytes_out"`
}

// NewConnectionTracker creates a new connection tracker. maxConns <= 0
// means no limit.
func NewConnectionTracker(maxConns int, logger *zap.Logger) *ConnectionTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionTracker{
		maxConns: maxConns,
		logger:   logger,
	}
}

// Add registers conn relayed to backend. It fails with ErrMaxConnections
// when the limit is reached.
func (t *ConnectionTracker) Add(conn net.Conn, backend string) (*TrackedConnection, error) {
	if t.maxConns > 0 {
		if n := atomic.AddInt64(&t.connCount, 1); int(n) > t.maxConns {
			atomic.AddInt64(&t.connCount, -1)
			return nil, fmt.Errorf("%w: %d", ErrMaxConnections, t.maxConns)
		}
	} else {
		atomic.AddInt64(&t.connCount, 1)
	}

	tracked := &TrackedConnection{
		ID:        uuid.New().String(),
		Client:    conn.RemoteAddr().String(),
		Backend:   backend,
		StartTime: time.Now(),
		conn:      conn,
	}
	t.connections.Store(tracked.ID, tracked)

	t.logger.Debug("connection added",
		zap.String("session_id", tracked.ID),
		zap.String("client", tracked.Client),
	)
	return tracked, nil
}

// Remove removes a connection from the tracker.
func (t *ConnectionTracker) Remove(id string) {
	if _, loaded := t.connections.LoadAndDelete(id); loaded {
		atomic.AddInt64(&t.connCount, -1)
		t.logger.Debug("connection removed", zap.String("session_id", id))
	}
}

// Get returns a tracked connection by ID.
func (t *ConnectionTracker) Get(id string) *TrackedConnection {
	if v, ok := t.connections.Load(id); ok {
		return v.(*TrackedConnection)
	}
	return nil
}

// Count returns the current number of active connections.
func (t *ConnectionTracker) Count() int {
	return int(atomic.LoadInt64(&t.connCount))
}

// List returns a snapshot of all tracked connections.
func (t *ConnectionTracker) List() []SessionInfo {
	sessions := make([]SessionInfo, 0, t.Count())
	t.connections.Range(func(_, value interface{}) bool {
		sessions = append(sessions, value.(*TrackedConnection).Info())
		return true
	})
	return sessions
}

// CloseAll closes all tracked client connections.
func (t *ConnectionTracker) CloseAll() {
	t.connections.Range(func(_, value interface{}) bool {
		tracked := value.(*TrackedConnection)
		if err := tracked.Close(); err != nil {
			t.logger.Debug("error closing connection",
				zap.String("session_id", tracked.ID),
				zap.Error(err),
			)
		}
		return true
	})
}

// Info returns a snapshot of the connection.
func (tc *TrackedConnection) Info() SessionInfo {
	in, out, d := tc.Stats()
	return SessionInfo{
		ID:        tc.ID,
		Client:    tc.Client,
		Backend:   tc.Backend,
		StartTime: tc.StartTime,
		Duration:  d.Round(time.Millisecond).String(),
		BytesIn:   in,
		BytesOut:  out,
	}
}

// Stats returns bytes read from and written to the client so far.
func (tc *TrackedConnection) Stats() (bytesIn, bytesOut int64, duration time.Duration) {
	return tc.bytesIn.Load(), tc.bytesOut.Load(), time.Since(tc.StartTime)
}

// Close closes the client connection.
func (tc *TrackedConnection) Close() error {
	if tc.conn != nil {
		return tc.conn.Close()
	}
	return nil
}

// CountingConn wraps the client connection so the sessions endpoint can
// report live byte counts.
type CountingConn struct {
	net.Conn
	tracked *TrackedConnection
}

// NewCountingConn creates a new counting connection wrapper.
func NewCountingConn(conn net.Conn, tracked *TrackedConnection) *CountingConn {
	return &CountingConn{
		Conn:    conn,
		tracked: tracked,
	}
}

// Read reads data from the connection and updates the bytes counter.
func (c *CountingConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 && c.tracked != nil {
		c.tracked.bytesIn.Add(int64(n))
	}
	return n, err
}

// Write writes data to the connection and updates the bytes counter.
func (c *CountingConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 && c.tracked != nil {
		c.tracked.bytesOut.Add(int64(n))
	}
	return n, err
}

// CloseWrite half-closes the wrapped connection when it supports it.
func (c *CountingConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
