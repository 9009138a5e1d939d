package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Resolution error codes. These are fatal to a run before any step executes.
const (
	ErrCycleDetected  ErrorCode = "CYCLE_DETECTED"
	ErrDepthExceeded  ErrorCode = "DEPTH_EXCEEDED"
	ErrParentNotFound ErrorCode = "PARENT_NOT_FOUND"
	ErrSpecNotFound   ErrorCode = "SPEC_NOT_FOUND"
	ErrInvalidSpec    ErrorCode = "INVALID_SPEC"
)

// Run-time error codes
const (
	ErrStepTimeout       ErrorCode = "STEP_TIMEOUT"
	ErrStepTransient     ErrorCode = "STEP_TRANSIENT"
	ErrStepPermanent     ErrorCode = "STEP_PERMANENT"
	ErrLockLost          ErrorCode = "LOCK_LOST"
	ErrApprovalTimeout   ErrorCode = "APPROVAL_TIMEOUT"
	ErrApprovalRejected  ErrorCode = "APPROVAL_REJECTED"
	ErrBudgetExceeded    ErrorCode = "BUDGET_EXCEEDED"
	ErrCancelled         ErrorCode = "CANCELLED"
	ErrInvalidWorkflow   ErrorCode = "INVALID_WORKFLOW"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// ErrorCategory classifies a step failure for retry decisions.
// Adapters classify their own errors; the engine only reads the category.
type ErrorCategory string

const (
	CategoryTransient  ErrorCategory = "transient"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryValidation ErrorCategory = "validation"
	CategoryResource   ErrorCategory = "resource"
	CategoryPermanent  ErrorCategory = "permanent"
	CategoryUnknown    ErrorCategory = "unknown"
)

// Valid reports whether c is one of the known categories.
func (c ErrorCategory) Valid() bool {
	switch c {
	case CategoryTransient, CategoryTimeout, CategoryValidation,
		CategoryResource, CategoryPermanent, CategoryUnknown:
		return true
	default:
		return false
	}
}

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode     `json:"code"`
	Message   string        `json:"message"`
	Category  ErrorCategory `json:"category,omitempty"`
	Retryable bool          `json:"retryable"`
	StepID    string        `json:"step_id,omitempty"`
	Cause     error         `json:"-"`
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

// WithCategory sets the failure category.
func (e *Error) WithCategory(category ErrorCategory) *Error {
	e.Category = category
	return e
}

// WithStep records the step the error belongs to.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// AsError extracts a *Error from anywhere in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}

// CategoryOf returns the failure category of err.
// Context deadline errors count as timeouts; anything unclassified is unknown.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok && e.Category != "" {
		return e.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryUnknown
}

// NewStepError builds a classified step failure. Adapters use it to tell the
// engine how a failure should be treated.
func NewStepError(category ErrorCategory, message string) *Error {
	code := ErrStepTransient
	switch category {
	case CategoryTimeout:
		code = ErrStepTimeout
	case CategoryValidation, CategoryPermanent:
		code = ErrStepPermanent
	}
	return &Error{
		Code:      code,
		Message:   message,
		Category:  category,
		Retryable: category != CategoryValidation && category != CategoryPermanent,
	}
}

// NewTransientError is shorthand for a transient step failure.
func NewTransientError(message string) *Error {
	return NewStepError(CategoryTransient, message)
}

// NewValidationError is shorthand for a validation failure, which is never retried.
func NewValidationError(message string) *Error {
	return NewStepError(CategoryValidation, message)
}

// NewPermanentError is shorthand for a permanent step failure.
func NewPermanentError(message string) *Error {
	return NewStepError(CategoryPermanent, message)
}
