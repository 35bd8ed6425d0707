package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEndpoint  = errors.New("invalid rpc endpoint")
	ErrConnectionFailed = errors.New("rpc connection failed")
	// ErrMemoryQueryFailed is returned when a server reports zero total
	// memory.
	ErrMemoryQueryFailed = errors.New("device memory query failed")
	ErrVersionMismatch   = errors.New("rpc protocol version mismatch")
	ErrClosed            = errors.New("rpc client closed")
)

// ConnectError wraps a failure to reach or handshake with an endpoint. It
// matches both ErrConnectionFailed and the underlying cause.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to rpc server at %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnectionFailed, e.Err}
}
