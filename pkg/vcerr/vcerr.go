// Package vcerr provides the error taxonomy shared by the virtual-channel
// runtime: the channel assembler, clipboard engine, and USB redirection
// engine all report failures through the same seven-member ErrorCode enum
// so callers can branch on kind rather than parse message text. The
// transport adapter and addin registry return plain fmt errors.
//
// Import graph: vcerr <- vchannel, clipboard, usb (leaf package, no
// internal dependencies).
package vcerr

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the kind of failure a core operation reported.
type ErrorCode int

const (
	// ErrNoMemory indicates an allocation failure. Always fatal for the
	// enclosing operation; partial state must be freed by the caller.
	ErrNoMemory ErrorCode = iota + 1

	// ErrInvalidData indicates a wire-format violation. The offending PDU
	// is discarded; the channel stays open.
	ErrInvalidData

	// ErrBadProc indicates an unknown opcode or capability-set type. The
	// channel is allowed to continue; callers should log a warning.
	ErrBadProc

	// ErrInternal indicates an unexpected host-stack failure. The owning
	// request is failed with a status code and a best-effort cleanup is
	// attempted.
	ErrInternal

	// ErrNoDevice indicates the target USB device has disappeared. All
	// subsequent operations on that device id return this until the
	// channel is torn down.
	ErrNoDevice

	// ErrTimeout indicates a transfer exceeded its budget.
	ErrTimeout

	// ErrNotSupported indicates an obsolete or unimplemented function code.
	ErrNotSupported
)

// String returns the canonical name of the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrNoMemory:
		return "NoMemory"
	case ErrInvalidData:
		return "InvalidData"
	case ErrBadProc:
		return "BadProc"
	case ErrInternal:
		return "InternalError"
	case ErrNoDevice:
		return "NoDevice"
	case ErrTimeout:
		return "Timeout"
	case ErrNotSupported:
		return "NotSupported"
	default:
		return "Unknown"
	}
}

// Fatal reports whether the error code always terminates the enclosing
// channel rather than being recoverable in place.
func (c ErrorCode) Fatal() bool {
	return c == ErrNoMemory
}

// Error is the concrete error type returned by core operations. It pairs
// an ErrorCode with a human-readable message and an optional wrapped cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause so errors.Is/errors.As see through it.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is (or wraps) an *Error with this error's
// code, so errors.Is matches two *Error values produced with the same
// code. To branch on the code of an arbitrary error, use CodeOf.
func (e *Error) Is(target error) bool {
	var o *Error
	if errors.As(target, &o) {
		return o.Code == e.Code
	}
	return false
}

// New builds an *Error with the given code and formatted message.
func New(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error with the given code around an existing cause.
func Wrap(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NoMemory constructs an ErrNoMemory error.
func NoMemory(format string, args ...any) *Error { return New(ErrNoMemory, format, args...) }

// InvalidData constructs an ErrInvalidData error.
func InvalidData(format string, args ...any) *Error { return New(ErrInvalidData, format, args...) }

// BadProc constructs an ErrBadProc error.
func BadProc(format string, args ...any) *Error { return New(ErrBadProc, format, args...) }

// Internal constructs an ErrInternal error wrapping cause.
func Internal(cause error, format string, args ...any) *Error {
	return Wrap(ErrInternal, cause, format, args...)
}

// NoDevice constructs an ErrNoDevice error.
func NoDevice(format string, args ...any) *Error { return New(ErrNoDevice, format, args...) }

// Timeout constructs an ErrTimeout error.
func Timeout(format string, args ...any) *Error { return New(ErrTimeout, format, args...) }

// NotSupported constructs an ErrNotSupported error.
func NotSupported(format string, args ...any) *Error { return New(ErrNotSupported, format, args...) }

// CodeOf extracts the ErrorCode from err if it (or something it wraps) is
// an *Error. The second return value is false if no *Error is found.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}
