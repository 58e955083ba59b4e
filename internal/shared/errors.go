package shared

import (
	"errors"
	"fmt"
)

// Code classifies a security decision failure.
type Code string

const (
	CodeNotAuthenticated Code = "NOT_AUTHENTICATED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeStepUpRequired   Code = "STEP_UP_REQUIRED"
	CodeStepUpRejected   Code = "STEP_UP_REJECTED"
	CodeValidation       Code = "VALIDATION"
	CodeProviderError    Code = "PROVIDER_ERROR"
	CodeNotFound         Code = "NOT_FOUND"
	CodeUnknown          Code = "UNKNOWN"
)

// Error carries a taxonomy code plus a message safe to show end users.
// Internal detail stays in the wrapped cause and is only ever logged.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// NewError builds an Error without a cause.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError builds an Error around an internal cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the internal cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the taxonomy code, defaulting to UNKNOWN.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// UserMessage returns the end-user safe message for err. Errors outside
// the taxonomy collapse to a generic message so internals never leak.
func UserMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return "An unexpected error occurred."
}

// Shared sentinels for the common short-circuit outcomes.
var (
	ErrNotAuthenticated = NewError(CodeNotAuthenticated, "Not authenticated")
	ErrForbidden        = NewError(CodeForbidden, "Forbidden")
	ErrNotFound         = NewError(CodeNotFound, "Not found")
)
