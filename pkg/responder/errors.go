package responder

import (
	"errors"
	"fmt"
)

// ErrorCode is a responder status code. The values follow the DNS-SD
// daemon's numbering.
type ErrorCode int32

// Responder status codes.
const (
	NoError           ErrorCode = 0
	ErrUnknown        ErrorCode = -65537
	ErrNoSuchName     ErrorCode = -65538
	ErrNoMemory       ErrorCode = -65539
	ErrBadParam       ErrorCode = -65540
	ErrBadReference   ErrorCode = -65541
	ErrBadState       ErrorCode = -65542
	ErrBadFlags       ErrorCode = -65543
	ErrUnsupported    ErrorCode = -65544
	ErrNotInitialized ErrorCode = -65545
	ErrAlreadyReg     ErrorCode = -65547
	ErrNameConflict   ErrorCode = -65548
	ErrInvalid        ErrorCode = -65549
	ErrServiceNotRun  ErrorCode = -65563
	ErrTimeout        ErrorCode = -65568
)

var errorCodeNames = map[ErrorCode]string{
	NoError:           "no error",
	ErrUnknown:        "unknown",
	ErrNoSuchName:     "no such name",
	ErrNoMemory:       "no memory",
	ErrBadParam:       "bad parameter",
	ErrBadReference:   "bad reference",
	ErrBadState:       "bad state",
	ErrBadFlags:       "bad flags",
	ErrUnsupported:    "unsupported",
	ErrNotInitialized: "not initialized",
	ErrAlreadyReg:     "already registered",
	ErrNameConflict:   "name conflict",
	ErrInvalid:        "invalid",
	ErrServiceNotRun:  "service not running",
	ErrTimeout:        "timeout",
}

// String returns a human-readable name for the code.
func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int32(c))
}

// Error implements the error interface so that codes can be returned and
// matched with errors.Is.
func (c ErrorCode) Error() string {
	return "responder: " + c.String()
}

// CodeOf extracts the responder status code from err. Errors that do not
// carry a code map to ErrUnknown; a nil error maps to NoError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return NoError
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return ErrUnknown
}

// Package-level sentinel errors.
var (
	// ErrReleased is returned when waiting on or using a released handle.
	ErrReleased = errors.New("responder: handle released")

	// ErrUnknownBackend is returned by New for an unrecognised backend name.
	ErrUnknownBackend = errors.New("responder: unknown backend")

	// ErrNotRegister is returned by SetText on a handle that is not a
	// registration.
	ErrNotRegister = errors.New("responder: handle is not a registration")
)
