package errors

import (
	"errors"
	"fmt"
)

// Standard error codes used across the module.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeInternal        = "INTERNAL"
	CodeForbidden       = "FORBIDDEN"
	CodeUnavailable     = "UNAVAILABLE"
	CodeTimeout         = "TIMEOUT"
)

// AppError is the structured error type threaded through every component.
// It carries a stable Code for programmatic handling, a human-readable
// Message, and an optional wrapped cause for chaining.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given code, message, and optional cause.
func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrap attaches a message to an existing error, preserving its code if it
// is already an AppError, otherwise tagging it CodeInternal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if As(err, &appErr) {
		return &AppError{Code: appErr.Code, Message: message, Err: err}
	}
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// NotFound creates a CodeNotFound AppError.
func NotFound(message string, err error) *AppError {
	return New(CodeNotFound, message, err)
}

// Conflict creates a CodeConflict AppError.
func Conflict(message string, err error) *AppError {
	return New(CodeConflict, message, err)
}

// InvalidArgument creates a CodeInvalidArgument AppError.
func InvalidArgument(message string, err error) *AppError {
	return New(CodeInvalidArgument, message, err)
}

// Internal creates a CodeInternal AppError.
func Internal(message string, err error) *AppError {
	return New(CodeInternal, message, err)
}

// Forbidden creates a CodeForbidden AppError.
func Forbidden(message string, err error) *AppError {
	return New(CodeForbidden, message, err)
}

// Unavailable creates a CodeUnavailable AppError, used for transient
// broker/external-service failures.
func Unavailable(message string, err error) *AppError {
	return New(CodeUnavailable, message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }
