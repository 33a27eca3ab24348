package types

import (
	"fmt"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. All packages use these constants instead of
// hardcoded strings so failures can be classified uniformly.
const (
	// Validation (permanent per-record failures; logged and skipped)
	ErrCodeValidationInvalidTimezone ErrorCode = "validation_invalid_timezone"
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"

	// Not Found
	ErrCodeNotFoundUser     ErrorCode = "not_found_user"
	ErrCodeNotFoundDelivery ErrorCode = "not_found_delivery_record"
	ErrCodeNotFoundTrigger  ErrorCode = "not_found_trigger_kind"

	// Internal (infrastructure failures; abort the run, self-heal next cycle)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalQueue      ErrorCode = "internal_queue_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"

	// Upstream notify service (circuit-breaker-countable failures)
	ErrCodeNotifyTimeout     ErrorCode = "upstream_notify_timeout"
	ErrCodeNotifyRejected    ErrorCode = "upstream_notify_rejected"
	ErrCodeNotifyUnavailable ErrorCode = "upstream_notify_unavailable"
	ErrCodeNotifyCircuitOpen ErrorCode = "upstream_notify_circuit_open"
)

// Retryable reports whether an error with this code represents a transient
// condition worth retrying with backoff. Validation and rejection failures
// are permanent and must never be retried.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeNotifyTimeout, ErrCodeNotifyUnavailable, ErrCodeNotifyCircuitOpen,
		ErrCodeInternalDB, ErrCodeInternalQueue:
		return true
	}
	return false
}

// Permanent reports whether the code is a per-record validation or rejection
// failure that should be logged and skipped, never retried.
func (c ErrorCode) Permanent() bool {
	return strings.HasPrefix(string(c), "validation_") || c == ErrCodeNotifyRejected
}

// AppError is the standard application error type used throughout the core.
// All domain errors are expressed as AppError to enable consistent
// classification (transient vs permanent) and error chain support.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error. This is the standard constructor for domain
// errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
