package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ntt-orchestrator/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents malformed input or an unknown task kind (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryConfiguration represents missing per-network settings
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryExternalTool represents a failed CLI invocation or chain call
	CategoryExternalTool ErrorCategory = "external_tool"
	// CategoryStorage represents ledger or broker I/O failures
	CategoryStorage ErrorCategory = "storage"
	// CategoryNotFound represents unknown ids
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents duplicate keys
	CategoryConflict ErrorCategory = "conflict"
	// CategorySystem represents anything else (5xx)
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Validation Errors (4xx)

// NewValidationError creates a validation error for a single field
func NewValidationError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "VALIDATION_ERROR",
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewUnknownTaskError is returned when a task name has no registered handler
func NewUnknownTaskError(taskName string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "UNKNOWN_TASK",
		Message:    fmt.Sprintf("task %s not found", taskName),
		Details: map[string]interface{}{
			"taskName": taskName,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT",
		Message:    message,
	}
}

// NewInvalidTransitionError is returned when a call status change would move backwards
func NewInvalidTransitionError(id string, to string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "INVALID_STATUS_TRANSITION",
		Message:    fmt.Sprintf("call %s cannot move to %s", id, to),
		Details: map[string]interface{}{
			"id":     id,
			"status": to,
		},
	}
}

// System Errors (5xx)

// NewConfigurationError creates an error for a missing or malformed setting
func NewConfigurationError(key string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConfiguration,
		StatusCode: http.StatusInternalServerError,
		Code:       "CONFIGURATION_ERROR",
		Message:    fmt.Sprintf("configuration %s: %s", key, reason),
		Details: map[string]interface{}{
			"key": key,
		},
	}
}

// NewExternalToolError wraps a failed CLI invocation together with its captured output
func NewExternalToolError(command string, exitCode int, stdout, stderr string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryExternalTool,
		StatusCode: http.StatusBadGateway,
		Code:       "EXTERNAL_TOOL_ERROR",
		Message:    fmt.Sprintf("command failed: %s", command),
		Cause:      cause,
		Details: map[string]interface{}{
			"command":  command,
			"exitCode": exitCode,
			"stdout":   stdout,
			"stderr":   stderr,
		},
	}
}

// NewChainError wraps a failed RPC call or transaction against a chain
func NewChainError(chainID string, operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryExternalTool,
		StatusCode: http.StatusBadGateway,
		Code:       "CHAIN_ERROR",
		Message:    fmt.Sprintf("chain %s: %s failed", chainID, operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"chainId":   chainID,
			"operation": operation,
		},
	}
}

// NewStorageError creates a storage error
func NewStorageError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStorage,
		StatusCode: http.StatusInternalServerError,
		Code:       "STORAGE_ERROR",
		Message:    fmt.Sprintf("storage error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error. Wrapped categorized errors are
// found through the chain so fmt.Errorf context does not hide the category.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if errors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether the broker should spend another attempt on err.
// Validation and configuration failures repeat identically, so they are terminal.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryValidation, CategoryConfiguration, CategoryNotFound:
		return false
	default:
		return true
	}
}

// IsNotFound reports whether err carries the not_found category
func IsNotFound(err error) bool {
	return hasCategory(err, CategoryNotFound)
}

// IsConflict reports whether err carries the conflict category
func IsConflict(err error) bool {
	return hasCategory(err, CategoryConflict)
}

// IsValidation reports whether err carries the validation category
func IsValidation(err error) bool {
	return hasCategory(err, CategoryValidation)
}

func hasCategory(err error, category ErrorCategory) bool {
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category == category
	}
	return false
}
