package stream

import "errors"

// Package-level sentinel errors for stream operations.
var (
	// ErrClosed is returned when an operation is attempted on a closed stream.
	ErrClosed = errors.New("stream: closed")

	// ErrNotOpen is returned when reading or writing before Open.
	ErrNotOpen = errors.New("stream: not open")

	// ErrSocket is reported when the socket signalled an error condition
	// without a pending error code.
	ErrSocket = errors.New("stream: socket error")

	// errFinished ends a stream's run loop registration after its end or
	// error event was delivered.
	errFinished = errors.New("stream: finished")
)
