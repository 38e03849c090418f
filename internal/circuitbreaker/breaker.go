// Package circuitbreaker guards backend dials with a sony/gobreaker circuit
// breaker so a dead backend is not hammered by every incoming client.
package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/tcp3h/internal/util"
)

// DefaultName is the breaker name used for the single backend.
const DefaultName = "backend"

// cbTracer is the OTEL tracer used for circuit breaker operations.
var cbTracer = otel.Tracer("tcp3h/circuitbreaker")

// StateFunc is called when the breaker changes state.
// Parameters: name, state (0=closed, 1=half-open, 2=open).
type StateFunc func(name string, state int)

// Config holds breaker settings.
type Config struct {
	Name string

	// Threshold is the number of consecutive dial failures that opens
	// the breaker.
	Threshold int

	// Timeout is how long the breaker stays open before letting one
	// trial dial through.
	Timeout time.Duration
}

// Breaker wraps gobreaker.CircuitBreaker for net.Conn producing calls.
type Breaker struct {
	cb            *gobreaker.CircuitBreaker
	name          string
	logger        *zap.Logger
	stateCallback StateFunc
}

// Option is a functional option for configuring the breaker.
type Option func(*Breaker)

// WithLogger sets the logger for the breaker.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithStateCallback sets a callback for state changes.
func WithStateCallback(fn StateFunc) Option {
	return func(b *Breaker) {
		b.stateCallback = fn
	}
}

// New creates a Breaker.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}

	b := &Breaker{
		name:   cfg.Name,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	threshold := safeIntToUint32(cfg.Threshold)
	if threshold == 0 {
		threshold = 1
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful:  isSuccessful,
		OnStateChange: b.onStateChange,
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	if to == gobreaker.StateOpen {
		b.logger.Warn("circuit breaker opened",
			zap.String("name", name),
			zap.String("from", from.String()),
		)
	} else {
		b.logger.Info("circuit breaker state change",
			zap.String("name", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	_, span := cbTracer.Start(context.Background(),
		"circuitbreaker.state_change",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.AddEvent("state_change", trace.WithAttributes(
		attribute.String("circuitbreaker.name", name),
		attribute.String("circuitbreaker.from", from.String()),
		attribute.String("circuitbreaker.to", to.String()),
	))
	span.End()

	if b.stateCallback != nil {
		b.stateCallback(name, int(to))
	}
}

// isSuccessful does not count dials abandoned by a cancelled session against
// the backend.
func isSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

// Dial runs dial under breaker protection. When the breaker rejects the call
// the returned error is a *util.CircuitOpenError and dial is not invoked.
func (b *Breaker) Dial(dial func() (net.Conn, error)) (net.Conn, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return dial()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, util.NewCircuitOpenError(b.name, b.cb.State().String())
		}
		return nil, err
	}
	return res.(net.Conn), nil
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state of the breaker.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// IsOpen reports whether new dials are currently rejected.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}
