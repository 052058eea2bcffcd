// Unified error handling for the oven controller host.
//
// Every component reports failures as an *Error carrying one of the
// categories below; the boot orchestrator and the UI decide what to do
// based on the code alone.

package oerr

import (
	"errors"
	"fmt"
)

// Code represents the category of error.
type Code string

const (
	// InvalidArgument marks nil/empty/out-of-range inputs at API boundaries.
	InvalidArgument Code = "invalid_argument"

	// NotFound marks a missing NV key, SD file, or partition.
	NotFound Code = "not_found"

	// SizeMismatch marks a corrupt length (wrong blob size, sidecar not
	// 64 chars, image outside the allowed firmware size range).
	SizeMismatch Code = "size_mismatch"

	// IntegrityMismatch marks a wrong magic number or SHA-256 mismatch.
	IntegrityMismatch Code = "integrity_mismatch"

	// IOFailure marks an SD, HTTP, or flash read/write failure.
	IOFailure Code = "io_failure"

	// AlreadyRunning marks a second concurrent autotune session.
	AlreadyRunning Code = "already_running"

	// InvalidState marks an operation against an uninitialized or
	// wrongly-sequenced component (OTA without pending update, write
	// outside begin/end, ...).
	InvalidState Code = "invalid_state"

	// ResourceExhausted marks buffer allocation or task creation failure.
	ResourceExhausted Code = "resource_exhausted"

	// Timeout marks an HTTP or SD operation that exceeded its ceiling.
	Timeout Code = "timeout"
)

// Error is the unified error type for the controller host.
type Error struct {
	// Code is the error category.
	Code Code

	// Op names the failing operation, e.g. "nvstore.GetBlob".
	Op string

	// Message is a human-readable description.
	Message string

	// Err wraps the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Code, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Op, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new Error.
func E(code Code, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a category and operation.
func Wrap(err error, code Code, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the category from an error chain. Errors that did not
// originate here report IOFailure.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return IOFailure
}

// Is reports whether err carries the given category.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
