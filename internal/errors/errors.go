// Package errors defines the application error taxonomy shared by the store,
// queue, dispatch and service layers.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a job, campaign or queue entry was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict indicates the operation contradicts current state (e.g. deleting an enqueued job).
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeValidation indicates invalid input data.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeInvalidSchedule indicates a run time outside the accepted scheduling window.
	ErrCodeInvalidSchedule ErrorCode = "invalid_schedule"
	// ErrCodeDispatchTarget indicates the external dispatch call failed.
	ErrCodeDispatchTarget ErrorCode = "dispatch_target"
	// ErrCodeQueue indicates a delay queue operation failed.
	ErrCodeQueue ErrorCode = "queue"
	// ErrCodeStallTimeout indicates the queue gave up on an entry whose worker stopped heartbeating.
	ErrCodeStallTimeout ErrorCode = "stall_timeout"
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a timeout occurred.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
)

// AppError represents a structured application error with a code, message, and optional cause.
// It supports error wrapping and unwrapping for use with errors.Is and errors.As.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	// Field names the offending input for validation errors.
	Field string
	// Retryable marks dispatch and queue failures that may succeed on a later attempt.
	Retryable bool
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

func newf(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: message}
}

// NotFoundf creates a new NotFound error with formatted message.
func NotFoundf(format string, args ...any) *AppError { return newf(ErrCodeNotFound, format, args...) }

// Conflict creates a new Conflict error.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message}
}

// Conflictf creates a new Conflict error with formatted message.
func Conflictf(format string, args ...any) *AppError { return newf(ErrCodeConflict, format, args...) }

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message}
}

// Validationf creates a new Validation error with formatted message.
func Validationf(format string, args ...any) *AppError {
	return newf(ErrCodeValidation, format, args...)
}

// ValidationField creates a new Validation error for a specific field.
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

// InvalidSchedule creates an error for a run time outside the scheduling window.
func InvalidSchedule(field, format string, args ...any) *AppError {
	err := newf(ErrCodeInvalidSchedule, format, args...)
	err.Field = field
	return err
}

// DispatchTarget wraps a failed call to the external dispatch capability.
func DispatchTarget(err error, retryable bool, message string) *AppError {
	if err == nil {
		err = errors.New(message)
	}
	return &AppError{Code: ErrCodeDispatchTarget, Message: message, Cause: err, Retryable: retryable}
}

// Queue wraps a failed delay queue operation.
func Queue(err error, message string) *AppError {
	return &AppError{Code: ErrCodeQueue, Message: message, Cause: err, Retryable: true}
}

// StallTimeout creates the error recorded when a queue entry stalls.
func StallTimeout(message string) *AppError {
	return &AppError{Code: ErrCodeStallTimeout, Message: message}
}

// Canceled creates a new Canceled error.
func Canceled(message string) *AppError {
	return &AppError{Code: ErrCodeCanceled, Message: message}
}

// Internal creates a new Internal error.
func Internal(message string) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message}
}

// Internalf creates a new Internal error with formatted message.
func Internalf(format string, args ...any) *AppError { return newf(ErrCodeInternal, format, args...) }

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool { return isCode(err, ErrCodeNotFound) }

// IsConflict checks if an error is a Conflict error.
func IsConflict(err error) bool { return isCode(err, ErrCodeConflict) }

// IsValidation reports validation failures, including schedule window violations.
func IsValidation(err error) bool {
	return isCode(err, ErrCodeValidation) || isCode(err, ErrCodeInvalidSchedule)
}

// IsInvalidSchedule checks if an error is a scheduling window violation.
func IsInvalidSchedule(err error) bool { return isCode(err, ErrCodeInvalidSchedule) }

// IsDispatchTarget checks if an error came from the dispatch target.
func IsDispatchTarget(err error) bool { return isCode(err, ErrCodeDispatchTarget) }

// IsQueue checks if an error came from the delay queue.
func IsQueue(err error) bool { return isCode(err, ErrCodeQueue) }

// IsStallTimeout checks if an error is a stall timeout.
func IsStallTimeout(err error) bool { return isCode(err, ErrCodeStallTimeout) }

// IsInternal checks if an error is an Internal error.
func IsInternal(err error) bool { return isCode(err, ErrCodeInternal) }

// IsTimeout checks if an error is a Timeout error.
func IsTimeout(err error) bool { return isCode(err, ErrCodeTimeout) }

// IsCanceled checks if an error is a Canceled error.
func IsCanceled(err error) bool { return isCode(err, ErrCodeCanceled) }

// IsRetryable reports whether the error was marked as retryable by its origin.
func IsRetryable(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Retryable
}

// GetCode returns the ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the Field from an error, or empty string if not an AppError or no field set.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
