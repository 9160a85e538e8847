package broadcast

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSession matches any *DuplicateSessionError.
	ErrDuplicateSession = errors.New("duplicate session")
	// ErrSessionNotOpen is returned when writing to a session that already left OPEN.
	ErrSessionNotOpen = errors.New("session is not open")
	// ErrSendTimeout marks a write that did not finish within the send timeout.
	ErrSendTimeout = errors.New("send timed out")
	// ErrIdleTimeout is the keepalive failure for a peer that stopped answering pings.
	ErrIdleTimeout = errors.New("session idle timeout")
	// ErrShuttingDown is returned by Lifecycle.Open once Shutdown has started.
	ErrShuttingDown = errors.New("server shutting down")
)

// DuplicateSessionError is returned by Registry.Register when the id is taken.
type DuplicateSessionError struct {
	ID string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("session %q already registered", e.ID)
}

func (e *DuplicateSessionError) Is(target error) bool {
	return target == ErrDuplicateSession
}

// DeliveryError is a failed write to one session during a broadcast.
// It never leaves the Dispatcher except inside a DeliveryReport.
type DeliveryError struct {
	SessionID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to session %s failed: %v", e.SessionID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// TransportTeardownError collects failures while closing a connection.
// These are logged and otherwise ignored.
type TransportTeardownError struct {
	SessionID string
	Err       error
}

func (e *TransportTeardownError) Error() string {
	return fmt.Sprintf("teardown of session %s: %v", e.SessionID, e.Err)
}

func (e *TransportTeardownError) Unwrap() error { return e.Err }
