// Package errors provides structured error types for the monitoring engine.
// All errors include a category, code, message, and fatal flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by engine component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryTracking   ErrorCategory = "TRACKING"
	ErrCategoryAnalytics  ErrorCategory = "ANALYTICS"
	ErrCategoryCallback   ErrorCategory = "CALLBACK"
	ErrCategoryAlerting   ErrorCategory = "ALERTING"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidThresholds = "INVALID_THRESHOLDS"
	CodeInvalidWindow     = "INVALID_WINDOW"
	CodeInvalidHistoryCap = "INVALID_HISTORY_CAP"
	CodeInvalidRate       = "INVALID_RATE"
	CodeInvalidStatus     = "INVALID_STATUS"

	// Tracking codes
	CodeExecutionNotFound = "EXECUTION_NOT_FOUND"
	CodeMonitorClosed     = "MONITOR_CLOSED"

	// Analytics codes
	CodeMalformedRecord = "MALFORMED_RECORD"

	// Callback codes
	CodeCallbackPanic = "CALLBACK_PANIC"

	// Alerting codes
	CodeUnknownAlertType = "UNKNOWN_ALERT_TYPE"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// MonitorError is the structured error type used throughout the engine.
type MonitorError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Cause    error

	// Fatal indicates the error must abort engine startup (configuration
	// errors). Non-fatal errors are reported to the caller or logged and
	// never crash the engine.
	Fatal bool
}

// Error returns a formatted error string.
func (e *MonitorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *MonitorError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *MonitorError) Is(target error) bool {
	var t *MonitorError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new MonitorError.
func New(category ErrorCategory, code, message string) *MonitorError {
	return &MonitorError{
		Category: category,
		Code:     code,
		Message:  message,
		Fatal:    category == ErrCategoryValidation,
	}
}

// Wrap creates a new MonitorError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *MonitorError {
	return &MonitorError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
		Fatal:    category == ErrCategoryValidation,
	}
}

// IsFatal checks whether an error (or its chain) must abort startup.
func IsFatal(err error) bool {
	var me *MonitorError
	if errors.As(err, &me) {
		return me.Fatal
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a MonitorError.
func GetCategory(err error) ErrorCategory {
	var me *MonitorError
	if errors.As(err, &me) {
		return me.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a MonitorError.
func GetCode(err error) string {
	var me *MonitorError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *MonitorError {
	return New(ErrCategoryValidation, code, message)
}

func NewTrackingError(code, message string, cause error) *MonitorError {
	return Wrap(ErrCategoryTracking, code, message, cause)
}

func NewCallbackError(message string, cause error) *MonitorError {
	return Wrap(ErrCategoryCallback, CodeCallbackPanic, message, cause)
}

func NewInternalError(message string, cause error) *MonitorError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
