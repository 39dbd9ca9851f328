package shipper

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Receive and Flush once shutdown has sealed the buffer.
var ErrClosed = errors.New("shipper: closed")

// ShutdownTimeoutError is returned when the shutdown deadline expires before
// every buffered and pending event was acknowledged.
type ShutdownTimeoutError struct {
	Undelivered int
	Err         error
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("shipper: shutdown deadline expired with %d events undelivered", e.Undelivered)
}

func (e *ShutdownTimeoutError) Unwrap() error { return e.Err }
