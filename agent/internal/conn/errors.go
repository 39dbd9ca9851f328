package conn

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is wrapped by I/O calls made without an open connection.
var ErrNotConnected = errors.New("not connected")

// ErrSequenceExhausted is returned by Allocate when the session cannot number
// n more events. The caller starts a new session.
var ErrSequenceExhausted = errors.New("sequence space exhausted")

// ConnectionError reports a refused, reset or failed connection, including
// TLS handshake failures. It is always retriable.
type ConnectionError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("conn: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("conn: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports a write or ack wait that exceeded its deadline.
type TimeoutError struct {
	Addr  string
	Op    string
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("conn: %s %s: no progress within %v", e.Op, e.Addr, e.After)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout lets callers treat TimeoutError like a net.Error timeout.
func (e *TimeoutError) Timeout() bool { return true }
