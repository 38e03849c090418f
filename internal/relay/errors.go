package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by *Error through errors.Is.
var (
	// ErrHeaderWriteFailed means the PROXY header could not be written in
	// full; no payload was relayed.
	ErrHeaderWriteFailed = errors.New("relay: header write failed")

	// ErrRelay means one copy direction failed with an I/O error.
	ErrRelay = errors.New("relay: copy failed")
)

// Direction identifies one leg of a relay session.
type Direction int

const (
	// ClientToBackend copies client reads into backend writes.
	ClientToBackend Direction = iota
	// BackendToClient copies backend reads into client writes.
	BackendToClient
)

// String returns the direction as used in logs and metric labels.
func (d Direction) String() string {
	switch d {
	case ClientToBackend:
		return "client->backend"
	case BackendToClient:
		return "backend->client"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Op is the relay step an error occurred in.
type Op string

const (
	OpHeaderWrite Op = "header write"
	OpCopy        Op = "copy"
)

// Error is returned by Relay.Run for session-fatal failures.
type Error struct {
	Op        Op
	Direction Direction
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == OpCopy {
		return fmt.Sprintf("relay %s %s: %v", e.Op, e.Direction, e.Err)
	}
	return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying I/O error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches ErrHeaderWriteFailed or ErrRelay depending on Op.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrHeaderWriteFailed:
		return e.Op == OpHeaderWrite
	case ErrRelay:
		return e.Op == OpCopy
	default:
		return false
	}
}
