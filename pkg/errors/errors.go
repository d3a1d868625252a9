// Package errors provides the structured error system for the performance
// layer, with error codes, categories, and per-request context.
package errors

import (
	"fmt"
	"time"
)

// ErrorCode identifies a failure class. A request's failure propagates only
// to that request's caller; codes let callers branch without string matching.
type ErrorCode string

const (
	// Network failure classes surfaced to request callers.
	ErrCodeOffline         ErrorCode = "OFFLINE"
	ErrCodeTimeout         ErrorCode = "TIMEOUT"
	ErrCodeServerError     ErrorCode = "SERVER_ERROR"
	ErrCodeInvalidResponse ErrorCode = "INVALID_RESPONSE"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"

	// Lifecycle classes raised by the layer itself.
	ErrCodeCanceled       ErrorCode = "CANCELED"
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeNotStarted     ErrorCode = "NOT_STARTED"
	ErrCodeQueueFull      ErrorCode = "QUEUE_FULL"
	ErrCodeInvalidConfig  ErrorCode = "INVALID_CONFIG"
)

// ErrorCategory represents the general category of an error
type ErrorCategory string

const (
	CategoryNetwork   ErrorCategory = "network"
	CategoryState     ErrorCategory = "state"
	CategoryResource  ErrorCategory = "resource"
	CategoryConfig    ErrorCategory = "configuration"
	CategoryOperation ErrorCategory = "operation"
)

// LayerError is a structured error with code, category, and context
type LayerError struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Component and Operation locate the failure inside the layer.
	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// HTTPStatus carries the upstream status for SERVER_ERROR.
	HTTPStatus int `json:"http_status,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface
func (e *LayerError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility
func (e *LayerError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so sentinel-style comparisons work across
// independently constructed instances.
func (e *LayerError) Is(target error) bool {
	if other, ok := target.(*LayerError); ok {
		return e.Code == other.Code
	}
	return false
}

// New creates a structured error with defaults derived from the code
func New(code ErrorCode, message string) *LayerError {
	return &LayerError{
		Code:      code,
		Category:  categoryOf(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableByDefault(code),
	}
}

// Offline reports that connectivity is down and no cached value could serve
// the request. Callers are expected to render an explicit offline state.
func Offline(message string) *LayerError {
	return New(ErrCodeOffline, message)
}

// Timeout reports that a fetch exceeded its deadline
func Timeout(message string) *LayerError {
	return New(ErrCodeTimeout, message)
}

// ServerError reports an upstream failure with its HTTP status code
func ServerError(status int, message string) *LayerError {
	e := New(ErrCodeServerError, message)
	e.HTTPStatus = status
	// 5xx responses are transient by convention; 4xx are not.
	e.Retryable = status >= 500
	return e
}

// InvalidResponse reports an unparseable or corrupted upstream payload
func InvalidResponse(message string) *LayerError {
	return New(ErrCodeInvalidResponse, message)
}

// RateLimited reports upstream throttling
func RateLimited(message string) *LayerError {
	return New(ErrCodeRateLimited, message)
}

// Canceled reports that pending work was cancelled before dispatch. Work
// already in flight is never interrupted, so this code only ever reaches
// callers of not-yet-started requests.
func Canceled(message string) *LayerError {
	return New(ErrCodeCanceled, message)
}

// WithContext adds contextual information to an error
func (e *LayerError) WithContext(key, value string) *LayerError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *LayerError) WithComponent(component string) *LayerError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *LayerError) WithOperation(operation string) *LayerError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *LayerError) WithCause(cause error) *LayerError {
	e.Cause = cause
	return e
}

// IsRetryable reports whether err is a LayerError marked retryable
func IsRetryable(err error) bool {
	if le, ok := err.(*LayerError); ok {
		return le.Retryable
	}
	return false
}

// CodeOf returns the error code of a LayerError, or empty for foreign errors
func CodeOf(err error) ErrorCode {
	if le, ok := err.(*LayerError); ok {
		return le.Code
	}
	return ""
}

func categoryOf(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeOffline, ErrCodeTimeout, ErrCodeServerError, ErrCodeInvalidResponse, ErrCodeRateLimited:
		return CategoryNetwork
	case ErrCodeAlreadyStarted, ErrCodeNotStarted:
		return CategoryState
	case ErrCodeQueueFull:
		return CategoryResource
	case ErrCodeInvalidConfig:
		return CategoryConfig
	default:
		return CategoryOperation
	}
}

func retryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeTimeout, ErrCodeRateLimited:
		return true
	default:
		return false
	}
}
