// Package errors provides a structured error system for pagevault with error codes, categories, and retry hints.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for export operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig    ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Remote API errors, matching the machine-readable codes the content
	// API returns on its error payloads.
	ErrCodeRateLimited         ErrorCode = "RATE_LIMITED"
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrCodeObjectNotFound      ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeValidationError     ErrorCode = "VALIDATION_ERROR"
	ErrCodeInternalServerError ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeNetworkError        ErrorCode = "NETWORK_ERROR"

	// Resilience errors raised locally, never by the remote API.
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"

	// Filesystem / transaction errors
	ErrCodeFileWrite             ErrorCode = "FILE_WRITE"
	ErrCodeFileRead              ErrorCode = "FILE_READ"
	ErrCodeTransactionValidation ErrorCode = "TRANSACTION_VALIDATION"
	ErrCodeTransactionState      ErrorCode = "TRANSACTION_STATE"
	ErrCodeRollbackFailed        ErrorCode = "ROLLBACK_FAILED"

	// Checkpoint / run-state errors
	ErrCodeCheckpointCorrupt ErrorCode = "CHECKPOINT_CORRUPT"
	ErrCodeCheckpointWrite   ErrorCode = "CHECKPOINT_WRITE"
	ErrCodeRunLocked         ErrorCode = "RUN_LOCKED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryRemote        ErrorCategory = "remote"
	CategoryResilience    ErrorCategory = "resilience"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryCheckpoint    ErrorCategory = "checkpoint"
	CategoryInternal      ErrorCategory = "internal"
)

// ExportError represents a structured error with context and retry metadata.
type ExportError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component  string `json:"component,omitempty"`
	Operation  string `json:"operation,omitempty"`
	ObjectID   string `json:"object_id,omitempty"`
	ObjectType string `json:"object_type,omitempty"`

	// Error handling hints
	Retryable bool `json:"retryable"`

	// RetryAfter carries the server-provided backoff hint for rate-limit
	// errors. Zero when the server gave none.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *ExportError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *ExportError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *ExportError) Is(target error) bool {
	if exportErr, ok := target.(*ExportError); ok {
		return e.Code == exportErr.Code
	}
	return false
}

// JSON returns the error as a JSON string.
func (e *ExportError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new export error with default values derived from the code.
func NewError(code ErrorCode, message string) *ExportError {
	return &ExportError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasSuffix(codeStr, "_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case code == ErrCodeRateLimited || code == ErrCodeUnauthorized ||
		code == ErrCodeObjectNotFound || code == ErrCodeValidationError ||
		code == ErrCodeInternalServerError || code == ErrCodeServiceUnavailable ||
		code == ErrCodeNetworkError:
		return CategoryRemote
	case code == ErrCodeCircuitOpen || code == ErrCodeOperationTimeout ||
		code == ErrCodeRetryExhausted:
		return CategoryResilience
	case strings.HasPrefix(codeStr, "FILE_") || strings.HasPrefix(codeStr, "TRANSACTION_") ||
		code == ErrCodeRollbackFailed:
		return CategoryFilesystem
	case strings.HasPrefix(codeStr, "CHECKPOINT_") || code == ErrCodeRunLocked:
		return CategoryCheckpoint
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
// Validation, auth, and not-found errors are permanent; rate limiting and
// 5xx-class errors are transient.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeRateLimited:         true,
		ErrCodeInternalServerError: true,
		ErrCodeServiceUnavailable:  true,
		ErrCodeNetworkError:        true,
		ErrCodeOperationTimeout:    true,
	}
	return retryableCodes[code]
}

// WithContext adds contextual information to an error.
func (e *ExportError) WithContext(key, value string) *ExportError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *ExportError) WithComponent(component string) *ExportError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *ExportError) WithOperation(operation string) *ExportError {
	e.Operation = operation
	return e
}

// WithObject records which remote object the error relates to.
func (e *ExportError) WithObject(objectType, objectID string) *ExportError {
	e.ObjectType = objectType
	e.ObjectID = objectID
	return e
}

// WithCause sets the underlying cause.
func (e *ExportError) WithCause(cause error) *ExportError {
	e.Cause = cause
	return e
}

// WithRetryAfter attaches a server-provided retry-after hint.
func (e *ExportError) WithRetryAfter(d time.Duration) *ExportError {
	e.RetryAfter = d
	return e
}

// CodeOf extracts the structured code from an error chain, or
// ErrCodeInternalError when the chain carries no ExportError.
func CodeOf(err error) ErrorCode {
	var exportErr *ExportError
	if stderrors.As(err, &exportErr) {
		return exportErr.Code
	}
	return ErrCodeInternalError
}

// RetryAfterOf extracts the retry-after hint from an error chain, or zero.
func RetryAfterOf(err error) time.Duration {
	var exportErr *ExportError
	if stderrors.As(err, &exportErr) {
		return exportErr.RetryAfter
	}
	return 0
}

// IsRetryable reports whether an error chain represents a transient failure.
func IsRetryable(err error) bool {
	var exportErr *ExportError
	if stderrors.As(err, &exportErr) {
		return exportErr.Retryable
	}
	return false
}

// IsCircuitOpen reports whether an error chain carries a synthetic
// circuit-open rejection, so callers can skip instead of retrying.
func IsCircuitOpen(err error) bool {
	return CodeOf(err) == ErrCodeCircuitOpen
}
