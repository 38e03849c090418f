// Package util provides shared helpers for tcp3h.
//
// # Context Helpers
//
// Session-scoped values carried through a context:
//
//	ctx = util.ContextWithSessionID(ctx, id)
//	id := util.SessionIDFromContext(ctx)
//
// # Error Types
//
// Structured error types for consistent error handling:
//
//   - ConfigError: configuration loading errors
//   - ValidationError: configuration validation failures
//   - BackendError: backend dial failures
//   - CircuitOpenError: dials rejected by the circuit breaker
//   - Common sentinel errors: ErrBackendUnavail, ErrTimeout, etc.
//
// # Validation
//
// Helpers for socket addresses and durations:
//
//	ap, err := util.ParseSocketAddr("127.0.0.1:8080")
//	err := util.ValidateDuration(timeout)
package util
