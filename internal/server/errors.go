package server

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the server.
var (
	// ErrBind is matched by *BindError.
	ErrBind = errors.New("bind failed")

	// ErrAccept wraps accept failures that the loop logged and survived.
	ErrAccept = errors.New("accept failed")

	// ErrMaxConnections is returned by the tracker when the limit is reached.
	ErrMaxConnections = errors.New("maximum connections reached")

	// ErrServerRunning is returned by Listen or Serve when called twice.
	ErrServerRunning = errors.New("server already running")

	// ErrNotListening is returned by Serve before a successful Listen.
	ErrNotListening = errors.New("server is not listening")
)

// Session error kinds, used as the kind label of session_errors_total and
// as the error_kind log field.
const (
	KindBackendConnect = "backend_connect"
	KindEncode         = "encode"
	KindDecode         = "decode"
	KindHeaderWrite    = "header_write"
	KindRelay          = "relay"
	KindCanceled       = "canceled"
	KindPanic          = "panic"
)

// BindError reports a listen socket that could not be bound.
type BindError struct {
	Address string
	Err     error
}

// Error implements the error interface.
func (e *BindError) Error() string {
	return fmt.Sprintf("failed to listen on %s: %v", e.Address, e.Err)
}

// Unwrap returns the underlying error.
func (e *BindError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target.
func (e *BindError) Is(target error) bool {
	if target == ErrBind {
		return true
	}
	_, ok := target.(*BindError)
	return ok
}
