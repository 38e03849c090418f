// Package relay drives one client/backend connection pair: it writes the
// PROXY protocol header to the backend and then copies bytes in both
// directions until either side finishes.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBufferSize is the size of pooled copy buffers.
const DefaultBufferSize = 32 * 1024

// Config holds configuration for a Relay.
type Config struct {
	// BufferSize is the size of each copy buffer.
	BufferSize int

	// HeaderWriteTimeout bounds the header write to the backend.
	// Zero disables the deadline.
	HeaderWriteTimeout time.Duration

	// DrainTimeout lets the other direction finish after one side reaches
	// EOF. Zero tears the session down immediately.
	DrainTimeout time.Duration
}

// DefaultConfig returns default relay configuration.
func DefaultConfig() *Config {
	return &Config{
		BufferSize: DefaultBufferSize,
	}
}

// Relay copies data between client and backend connections.
type Relay struct {
	logger             *zap.Logger
	bufferPool         *sync.Pool
	bufferSize         int
	headerWriteTimeout time.Duration
	drainTimeout       time.Duration
}

// Stats describes a finished relay session.
type Stats struct {
	ClientToBackend int64
	BackendToClient int64
	Duration        time.Duration
}

// New creates a Relay.
func New(config *Config, logger *zap.Logger) *Relay {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bufferSize := config.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	return &Relay{
		logger:             logger,
		bufferSize:         bufferSize,
		headerWriteTimeout: config.HeaderWriteTimeout,
		drainTimeout:       config.DrainTimeout,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				b := make([]byte, bufferSize)
				return &b
			},
		},
	}
}

// Run writes header to backend and then relays bytes in both directions.
// Both connections are closed when Run returns. A nil error means the
// session ended with a clean EOF.
func (r *Relay) Run(ctx context.Context, client, backend net.Conn, header []byte) (Stats, error) {
	start := time.Now()
	defer client.Close()
	defer backend.Close()

	if err := r.writeHeader(backend, header); err != nil {
		return Stats{Duration: time.Since(start)}, err
	}

	r.logger.Debug("proxy header written",
		zap.String("backend", backend.RemoteAddr().String()),
		zap.Int("bytes", len(header)),
	)

	stats, err := r.pump(ctx, client, backend)
	stats.Duration = time.Since(start)
	return stats, err
}

// writeHeader writes the full header before any payload byte is forwarded.
func (r *Relay) writeHeader(backend net.Conn, header []byte) error {
	if r.headerWriteTimeout > 0 {
		if err := backend.SetWriteDeadline(time.Now().Add(r.headerWriteTimeout)); err != nil {
			return &Error{Op: OpHeaderWrite, Err: err}
		}
	}

	n, err := backend.Write(header)
	if err == nil && n < len(header) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return &Error{Op: OpHeaderWrite, Err: err}
	}

	if r.headerWriteTimeout > 0 {
		if err := backend.SetWriteDeadline(time.Time{}); err != nil {
			return &Error{Op: OpHeaderWrite, Err: err}
		}
	}
	return nil
}

type copyResult struct {
	dir Direction
	n   int64
	err error
}

// pump runs both copy directions. The first one to finish ends the session:
// on EOF the destination's write side is half-closed so the peer sees every
// byte followed by EOF, then both sockets are closed to stop the other leg.
func (r *Relay) pump(ctx context.Context, client, backend net.Conn) (Stats, error) {
	results := make(chan copyResult, 2)

	go func() {
		n, err := r.copyWithBuffer(backend, client)
		results <- copyResult{dir: ClientToBackend, n: n, err: err}
	}()
	go func() {
		n, err := r.copyWithBuffer(client, backend)
		results <- copyResult{dir: BackendToClient, n: n, err: err}
	}()

	var (
		stats    Stats
		firstErr error
		received int
	)
	record := func(res copyResult) {
		received++
		if res.dir == ClientToBackend {
			stats.ClientToBackend = res.n
		} else {
			stats.BackendToClient = res.n
		}
	}

	select {
	case <-ctx.Done():
		firstErr = ctx.Err()
	case first := <-results:
		record(first)
		if first.err != nil && !isClosedError(first.err) {
			firstErr = &Error{Op: OpCopy, Direction: first.dir, Err: first.err}
			break
		}
		dst := backend
		if first.dir == BackendToClient {
			dst = client
		}
		if err := closeWrite(dst); err != nil && !isClosedError(err) {
			r.logger.Debug("half-close failed",
				zap.Stringer("direction", first.dir),
				zap.Error(err),
			)
		}
		if r.drainTimeout > 0 {
			r.drain(results, record)
		}
	}

	_ = client.Close()
	_ = backend.Close()

	for received < 2 {
		record(<-results)
	}

	return stats, firstErr
}

// drain waits up to drainTimeout for the remaining direction.
func (r *Relay) drain(results <-chan copyResult, record func(copyResult)) {
	timer := time.NewTimer(r.drainTimeout)
	defer timer.Stop()

	select {
	case res := <-results:
		record(res)
	case <-timer.C:
	}
}

// copyWithBuffer copies src into dst using a pooled buffer.
func (r *Relay) copyWithBuffer(dst, src net.Conn) (int64, error) {
	bp := r.bufferPool.Get().(*[]byte)
	defer r.bufferPool.Put(bp)

	return io.CopyBuffer(writerOnly{dst}, readerOnly{src}, *bp)
}

// readerOnly and writerOnly hide ReaderFrom/WriterTo so io.CopyBuffer always
// uses the pooled buffer.
type readerOnly struct{ io.Reader }
type writerOnly struct{ io.Writer }

// closeWrite half-closes c when the connection supports it.
func closeWrite(c net.Conn) error {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// isClosedError reports errors caused by our own teardown.
func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
