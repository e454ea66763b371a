// Package errors provides the structured error type used across SAFS, with
// error codes, categories and operational context.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for SAFS operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Storage errors
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"
	ErrCodeFileNotFound ErrorCode = "FILE_NOT_FOUND"
	ErrCodeCircuitOpen  ErrorCode = "CIRCUIT_OPEN"

	// Resource errors
	ErrCodeOutOfMemory       ErrorCode = "OUT_OF_MEMORY"
	ErrCodeNoVictim          ErrorCode = "NO_VICTIM"
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeCacheFull         ErrorCode = "CACHE_FULL"

	// State errors
	ErrCodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Operation errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	// Internal errors
	ErrCodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStorage       ErrorCategory = "storage"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// Sentinels for errors.Is checks. Matching is by code, so any SAFSError
// carrying the same code matches regardless of message or context.
var (
	ErrNoVictim           = NewError(ErrCodeNoVictim, "no evictable page in cell")
	ErrOutOfMemory        = NewError(ErrCodeOutOfMemory, "page allocation failed")
	ErrInvariantViolation = NewError(ErrCodeInvariantViolation, "cache invariant violated")
	ErrInvalidConfig      = NewError(ErrCodeInvalidConfig, "invalid configuration")
	ErrShutdown           = NewError(ErrCodeShutdownInProgress, "component is shutting down")
)

// SAFSError represents a structured error with context and metadata.
type SAFSError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *SAFSError) Error() string {
	var msg string
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		} else {
			msg = fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
		}
	} else {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error.
func (e *SAFSError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a SAFSError with the same code.
func (e *SAFSError) Is(target error) bool {
	if t, ok := target.(*SAFSError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *SAFSError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("SAFSError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new SAFS error with default values for its code.
func NewError(code ErrorCode, message string) *SAFSError {
	return &SAFSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *SAFSError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error with code and message around cause.
func Wrap(cause error, code ErrorCode, message string) *SAFSError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category of an error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad, ErrCodeConfigValidation:
		return CategoryConfiguration
	case ErrCodeStorageRead, ErrCodeStorageWrite, ErrCodeFileNotFound, ErrCodeCircuitOpen:
		return CategoryStorage
	case ErrCodeOutOfMemory, ErrCodeNoVictim, ErrCodeResourceExhausted, ErrCodeCacheFull:
		return CategoryResource
	case ErrCodeNotInitialized, ErrCodeInvalidState, ErrCodeShutdownInProgress:
		return CategoryState
	case ErrCodeOperationCanceled, ErrCodeOperationFailed, ErrCodeRetryExhausted:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
// A saturated cell is transient: pages get released or flushed.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeNoVictim, ErrCodeResourceExhausted, ErrCodeCacheFull, ErrCodeStorageRead:
		return true
	}
	return false
}

// WithContext adds contextual information to an error
func (e *SAFSError) WithContext(key, value string) *SAFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *SAFSError) WithDetail(key string, value interface{}) *SAFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *SAFSError) WithComponent(component string) *SAFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *SAFSError) WithOperation(operation string) *SAFSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *SAFSError) WithCause(cause error) *SAFSError {
	e.Cause = cause
	return e
}

// CodeOf returns the code of the first SAFSError in err's chain, or
// ErrCodeInternalError when there is none. A nil error has no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var se *SAFSError
	if stderr.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternalError
}

// IsRetryable reports whether err carries a retryable SAFSError.
func IsRetryable(err error) bool {
	var se *SAFSError
	if stderr.As(err, &se) {
		return se.Retryable
	}
	return false
}
