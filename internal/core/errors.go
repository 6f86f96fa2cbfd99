package core

import (
	"errors"
	"fmt"
)

// Code categorizes an Error.
type Code string

const (
	// CodeInvalidArgument marks malformed input (bad StepConfig, bad timeout).
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// CodeNotFound marks a missing job, clock, or unreachable master.
	CodeNotFound Code = "NOT_FOUND"

	// CodeTimeout marks an exceeded bounded wait.
	CodeTimeout Code = "TIMEOUT"

	// CodeResourceInUse marks an operation refused in the current state.
	CodeResourceInUse Code = "RESOURCE_IN_USE"

	// CodeAlreadyExists marks a duplicate registration.
	CodeAlreadyExists Code = "ALREADY_EXISTS"

	// CodeFailed marks a wait that ended in the Error state.
	CodeFailed Code = "FAILED"

	// CodeUnexpected marks an internal invariant violation.
	CodeUnexpected Code = "UNEXPECTED"
)

// Sentinels for errors.Is. Only the Code is compared.
var (
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument}
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrTimeout         = &Error{Code: CodeTimeout}
	ErrResourceInUse   = &Error{Code: CodeResourceInUse}
	ErrAlreadyExists   = &Error{Code: CodeAlreadyExists}
	ErrFailed          = &Error{Code: CodeFailed}
	ErrUnexpected      = &Error{Code: CodeUnexpected}
)

// Error is the typed error returned across component boundaries.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the failing operation, e.g. "scheduler.RegisterJob".
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around an underlying cause.
func Wrap(code Code, op string, err error, message string) *Error {
	return &Error{Code: code, Op: op, Message: message, Err: err}
}

// CodeOf returns the Code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
