package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures across the STM components.
type ErrorCode string

const (
	ErrMalformedInput   ErrorCode = "MALFORMED_INPUT"
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrStoreClosed      ErrorCode = "STORE_CLOSED"
	ErrThreadExpired    ErrorCode = "THREAD_EXPIRED"
	ErrPipelineClosed   ErrorCode = "PIPELINE_CLOSED"
	ErrPipelineBusy     ErrorCode = "PIPELINE_BUSY"
	ErrArchiveFailed    ErrorCode = "ARCHIVE_FAILED"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured error with a code and optional cause. Store
// unavailability is marked retryable so the foreground loop can back off
// and retry instead of crashing.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error, anywhere in its chain, is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
