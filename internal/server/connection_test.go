package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pipeConn(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})
	return c1, c2
}

func TestNewConnectionTracker(t *testing.T) {
	tests := []struct {
		name     string
		maxConns int
	}{
		{"unbounded", 0},
		{"negative means unbounded", -1},
		{"bounded", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewConnectionTracker(tt.maxConns, nil)

			require.NotNil(t, tracker)
			assert.Equal(t, tt.maxConns, tracker.maxConns)
			assert.NotNil(t, tracker.logger)
			assert.Equal(t, 0, tracker.Count())
		})
	}
}

func TestConnectionTracker_Add(t *testing.T) {
	t.Run("assigns unique IDs", func(t *testing.T) {
		tracker := NewConnectionTracker(0, zap.NewNop())
		c1, _ := pipeConn(t)
		c2, _ := pipeConn(t)

		a, err := tracker.Add(c1, "10.0.0.1:5432")
		require.NoError(t, err)
		b, err := tracker.Add(c2, "10.0.0.1:5432")
		require.NoError(t, err)

		assert.NotEqual(t, a.ID, b.ID)
		assert.Len(t, a.ID, 36)
		assert.Equal(t, "pipe", a.Client)
		assert.Equal(t, "10.0.0.1:5432", a.Backend)
		assert.False(t, a.StartTime.IsZero())
		assert.Equal(t, 2, tracker.Count())
	})

	t.Run("rejects above the limit", func(t *testing.T) {
		tracker := NewConnectionTracker(1, zap.NewNop())
		c1, _ := pipeConn(t)
		c2, _ := pipeConn(t)

		_, err := tracker.Add(c1, "b")
		require.NoError(t, err)

		tracked, err := tracker.Add(c2, "b")
		assert.Nil(t, tracked)
		assert.ErrorIs(t, err, ErrMaxConnections)
		assert.Equal(t, 1, tracker.Count())
	})

	t.Run("unbounded accepts many", func(t *testing.T) {
		tracker := NewConnectionTracker(0, zap.NewNop())
		for i := 0; i < 50; i++ {
			c, _ := pipeConn(t)
			_, err := tracker.Add(c, "b")
			require.NoError(t, err)
		}
		assert.Equal(t, 50, tracker.Count())
	})

	t.Run("limit holds under concurrency", func(t *testing.T) {
		tracker := NewConnectionTracker(5, zap.NewNop())

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
		)
		for i := 0; i < 20; i++ {
			c, _ := pipeConn(t)
			wg.Add(1)
			go func(c net.Conn) {
				defer wg.Done()
				if _, err := tracker.Add(c, "b"); err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}(c)
		}
		wg.Wait()

		assert.Equal(t, 5, accepted)
		assert.Equal(t, 5, tracker.Count())
	})
}

func TestConnectionTracker_Remove(t *testing.T) {
	tracker := NewConnectionTracker(1, zap.NewNop())
	c, _ := pipeConn(t)

	tracked, err := tracker.Add(c, "b")
	require.NoError(t, err)

	tracker.Remove(tracked.ID)
	assert.Equal(t, 0, tracker.Count())
	assert.Nil(t, tracker.Get(tracked.ID))

	// Removing twice does not go negative.
	tracker.Remove(tracked.ID)
	assert.Equal(t, 0, tracker.Count())

	// The freed slot can be reused.
	c2, _ := pipeConn(t)
	_, err = tracker.Add(c2, "b")
	assert.NoError(t, err)
}

func TestConnectionTracker_GetAndList(t *testing.T) {
	tracker := NewConnectionTracker(0, zap.NewNop())
	c, _ := pipeConn(t)

	tracked, err := tracker.Add(c, "192.0.2.1:80")
	require.NoError(t, err)

	assert.Same(t, tracked, tracker.Get(tracked.ID))
	assert.Nil(t, tracker.Get("missing"))

	sessions := tracker.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, tracked.ID, sessions[0].ID)
	assert.Equal(t, "192.0.2.1:80", sessions[0].Backend)
	assert.Equal(t, tracked.StartTime, sessions[0].StartTime)
	assert.NotEmpty(t, sessions[0].Duration)
}

func TestConnectionTracker_CloseAll(t *testing.T) {
	tracker := NewConnectionTracker(0, zap.NewNop())
	c1, peer1 := pipeConn(t)
	c2, peer2 := pipeConn(t)

	_, err := tracker.Add(c1, "b")
	require.NoError(t, err)
	_, err = tracker.Add(c2, "b")
	require.NoError(t, err)

	tracker.CloseAll()

	for _, peer := range []net.Conn{peer1, peer2} {
		_ = peer.SetReadDeadline(time.Now().Add(time.Second))
		_, err := peer.Read(make([]byte, 1))
		assert.Error(t, err)
	}
}

func TestTrackedConnection_Close(t *testing.T) {
	assert.NoError(t, (&TrackedConnection{}).Close())
}

func TestCountingConn(t *testing.T) {
	tracker := NewConnectionTracker(0, zap.NewNop())
	local, remote := pipeConn(t)

	tracked, err := tracker.Add(local, "b")
	require.NoError(t, err)
	cc := NewCountingConn(local, tracked)

	go func() {
		buf := make([]byte, 5)
		_, _ = remote.Read(buf)
		_, _ = remote.Write([]byte("abc"))
	}()

	n, err := cc.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 8)
	n, err = cc.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	in, out, d := tracked.Stats()
	assert.Equal(t, int64(3), in)
	assert.Equal(t, int64(5), out)
	assert.True(t, d >= 0)

	info := tracked.Info()
	assert.Equal(t, int64(3), info.BytesIn)
	assert.Equal(t, int64(5), info.BytesOut)
}

func TestCountingConn_CloseWrite(t *testing.T) {
	t.Run("passes through to TCP connections", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		accepted := make(chan net.Conn, 1)
		go func() {
			c, _ := ln.Accept()
			accepted <- c
		}()

		client, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer client.Close()
		server := <-accepted
		require.NotNil(t, server)
		defer server.Close()

		cc := NewCountingConn(client, nil)
		require.NoError(t, cc.CloseWrite())

		_ = server.SetReadDeadline(time.Now().Add(time.Second))
		n, err := server.Read(make([]byte, 1))
		assert.Zero(t, n)
		assert.Error(t, err)
	})

	t.Run("no-op without half-close support", func(t *testing.T) {
		local, _ := pipeConn(t)
		assert.NoError(t, NewCountingConn(local, nil).CloseWrite())
	})
}
