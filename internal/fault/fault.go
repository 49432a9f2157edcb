package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a class of failure surfaced to callers.
type Code string

const (
	CodeCapacityExceeded      Code = "CAPACITY_EXCEEDED"
	CodeResourceLimitExceeded Code = "RESOURCE_LIMIT_EXCEEDED"
	CodeProcessNotFound       Code = "PROCESS_NOT_FOUND"
	CodeSchedulerSaturated    Code = "SCHEDULER_SATURATED"
	CodeToolNotConfigured     Code = "TOOL_NOT_CONFIGURED"
	CodeChannelUnavailable    Code = "CHANNEL_UNAVAILABLE"
	CodeHandshakeRejected     Code = "HANDSHAKE_REJECTED"
	CodeCommandFailed         Code = "COMMAND_FAILED"
	CodeIOFailure             Code = "IO_FAILURE"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
)

// Sentinels usable with errors.Is against any *Error of the same code.
var (
	ErrCapacityExceeded      = &Error{Code: CodeCapacityExceeded}
	ErrResourceLimitExceeded = &Error{Code: CodeResourceLimitExceeded}
	ErrProcessNotFound       = &Error{Code: CodeProcessNotFound}
	ErrSchedulerSaturated    = &Error{Code: CodeSchedulerSaturated}
	ErrToolNotConfigured     = &Error{Code: CodeToolNotConfigured}
	ErrChannelUnavailable    = &Error{Code: CodeChannelUnavailable}
	ErrHandshakeRejected     = &Error{Code: CodeHandshakeRejected}
	ErrCommandFailed         = &Error{Code: CodeCommandFailed}
	ErrIOFailure             = &Error{Code: CodeIOFailure}
	ErrInvalidArgument       = &Error{Code: CodeInvalidArgument}
)

// Error is a classified failure with an optional remedy hint.
type Error struct {
	Code    Code
	Message string
	// Hint describes the likely cause and what the caller can do about it.
	Hint  string
	Cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Code)
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on code so callers can write errors.Is(err, fault.ErrProcessNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an Error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with the given code wrapping cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithHint sets the remedy hint and returns the receiver.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HintOf returns the hint of the first *Error in err's chain.
func HintOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Hint
	}
	return ""
}

// Retryable reports whether the failure may succeed if retried unchanged
// after the worker settles.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeChannelUnavailable, CodeHandshakeRejected, CodeSchedulerSaturated, CodeCapacityExceeded:
		return true
	default:
		return false
	}
}
