// Package errors provides error code definitions for the offline sync core.
package errors

import "fmt"

// ErrorCode represents a unique error code surfaced across the sync layer.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Sync errors
	// ErrNetwork is transient and retryable; ErrConflict requires a human
	// decision; ErrOffline means the request never left the device.
	ErrNetwork        ErrorCode = "NETWORK_ERROR"
	ErrConflict       ErrorCode = "SYNC_CONFLICT"
	ErrOffline        ErrorCode = "OFFLINE"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// Storage errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"
	ErrQueueFull ErrorCode = "QUEUE_FULL"
	ErrCache     ErrorCode = "CACHE_ERROR"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// Retryable reports whether the error is transient. Only network-class
// failures are retried automatically; conflicts and validation failures
// always surface.
func Retryable(err error) bool {
	return Is(err, ErrNetwork)
}
