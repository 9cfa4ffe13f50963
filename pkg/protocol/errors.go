package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrNoServer is returned when a config lacks a server host.
	ErrNoServer = errors.New("protocol: server host is required")
	// ErrUnknownProtocol is returned by a Registry lookup miss.
	ErrUnknownProtocol = errors.New("protocol: unknown protocol")
	// ErrUnknownCharset is returned for an encoding label with no charset.
	ErrUnknownCharset = errors.New("protocol: unknown charset")
	// ErrRequestEnded is returned when writing to a request whose body is closed.
	ErrRequestEnded = errors.New("protocol: request body already ended")
	// ErrBodyTooLarge is returned when a response exceeds MaxResponseBytes.
	ErrBodyTooLarge = errors.New("protocol: response body too large")
)

// StatusError reports a response whose status was rejected.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Server Status Error: %d", e.Code)
}

// TransportError wraps a failure of the underlying connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AggregationError wraps a failure to read or assemble the response body.
type AggregationError struct {
	Err error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("protocol: response aggregation failed: %v", e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }

// IsStatusError reports whether err is a StatusError and returns its code.
func IsStatusError(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}
