package netservice

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/backkem/netservice/pkg/responder"
)

// Error domains.
const (
	// DomainNetServices carries the ErrorCode taxonomy.
	DomainNetServices = "NetServices"

	// DomainPOSIX carries an OS errno, e.g. from binding the listener.
	DomainPOSIX = "posix"
)

// ErrorCode classifies a failed publish or resolve.
type ErrorCode int

// Error codes in DomainNetServices.
const (
	CodeUnknown            ErrorCode = -72000
	CodeCollision          ErrorCode = -72001
	CodeNotFound           ErrorCode = -72002
	CodeActivityInProgress ErrorCode = -72003
	CodeBadArgument        ErrorCode = -72004
	CodeCancelled          ErrorCode = -72005
	CodeInvalid            ErrorCode = -72006
	CodeTimeout            ErrorCode = -72007
)

// String returns a human-readable name for the code.
func (c ErrorCode) String() string {
	switch c {
	case CodeUnknown:
		return "unknown"
	case CodeCollision:
		return "name collision"
	case CodeNotFound:
		return "not found"
	case CodeActivityInProgress:
		return "activity in progress"
	case CodeBadArgument:
		return "bad argument"
	case CodeCancelled:
		return "cancelled"
	case CodeInvalid:
		return "invalid"
	case CodeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is the error record delivered with DidNotPublish and DidNotResolve.
//
// Errors compare equal under errors.Is when domain and code match, so
// errors.Is(err, ErrTimeout) works on any timeout. Err holds the underlying
// responder status or OS error.
type Error struct {
	Domain string
	Code   ErrorCode
	Err    error
}

func (e *Error) Error() string {
	if e.Domain == DomainPOSIX {
		return fmt.Sprintf("netservice: posix error %d: %v", int(e.Code), e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("netservice: %s: %v", e.Code, e.Err)
	}
	return "netservice: " + e.Code.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same domain and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Domain == t.Domain && e.Code == t.Code
}

// Sentinel errors, one per ErrorCode.
var (
	ErrUnknown            = &Error{Domain: DomainNetServices, Code: CodeUnknown}
	ErrCollision          = &Error{Domain: DomainNetServices, Code: CodeCollision}
	ErrNotFound           = &Error{Domain: DomainNetServices, Code: CodeNotFound}
	ErrActivityInProgress = &Error{Domain: DomainNetServices, Code: CodeActivityInProgress}
	ErrBadArgument        = &Error{Domain: DomainNetServices, Code: CodeBadArgument}
	ErrCancelled          = &Error{Domain: DomainNetServices, Code: CodeCancelled}
	ErrInvalid            = &Error{Domain: DomainNetServices, Code: CodeInvalid}
	ErrTimeout            = &Error{Domain: DomainNetServices, Code: CodeTimeout}
)

// ErrClosed is returned when an operation is attempted on a closed service
// or browser.
var ErrClosed = errors.New("netservice: closed")

func newError(code ErrorCode, cause error) *Error {
	return &Error{Domain: DomainNetServices, Code: code, Err: cause}
}

// fromResponder translates a responder status into the taxonomy.
func fromResponder(code responder.ErrorCode) *Error {
	var c ErrorCode
	switch code {
	case responder.ErrNameConflict, responder.ErrAlreadyReg:
		c = CodeCollision
	case responder.ErrNoSuchName:
		c = CodeNotFound
	case responder.ErrBadParam, responder.ErrBadFlags, responder.ErrBadReference:
		c = CodeBadArgument
	case responder.ErrBadState:
		c = CodeActivityInProgress
	case responder.ErrInvalid, responder.ErrUnsupported, responder.ErrNotInitialized, responder.ErrServiceNotRun:
		c = CodeInvalid
	case responder.ErrTimeout:
		c = CodeTimeout
	default:
		c = CodeUnknown
	}
	return newError(c, code)
}

// fromSubmit translates a request submission failure.
func fromSubmit(err error) *Error {
	var code responder.ErrorCode
	if errors.As(err, &code) {
		return fromResponder(code)
	}
	return newError(CodeUnknown, err)
}

// fromBind translates a listener bind failure, keeping the OS errno.
func fromBind(err error) *Error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &Error{Domain: DomainPOSIX, Code: ErrorCode(errno), Err: err}
	}
	return newError(CodeInvalid, err)
}
