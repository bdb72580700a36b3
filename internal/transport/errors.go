// ABOUTME: Transport error taxonomy for the relay connection
// ABOUTME: TransportError wraps sentinel causes with the failing operation

package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs a live link.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrConnectionLost is reported when an established link drops.
	ErrConnectionLost = errors.New("transport: connection lost")
	// ErrReconnectExhausted is reported after MaxAttempts failed dials.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("transport: closed")
)

// TransportError describes a failed transport operation.
type TransportError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("transport %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
