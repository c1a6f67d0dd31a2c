package core

import "fmt"

// Error codes carried by JobError and mapped to HTTP statuses at the API
// boundary.
const (
	ErrCodeInvalidRequest  = "invalid_request"
	ErrCodeValidationError = "validation_error"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeInternalError   = "internal_error"
)

// JobError is the typed error used throughout the subsystem. Retryable
// decides the worker's failure path: a non-retryable error fails the job
// immediately instead of consuming its remaining attempts.
type JobError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewInvalidRequestError flags a malformed request. Not retryable.
func NewInvalidRequestError(message string, details map[string]any) *JobError {
	return &JobError{
		Code:      ErrCodeInvalidRequest,
		Message:   message,
		Retryable: false,
		Details:   details,
	}
}

// NewValidationError flags input that parsed but fails domain rules. Not
// retryable: resubmitting the same input cannot succeed.
func NewValidationError(message string, details map[string]any) *JobError {
	return &JobError{
		Code:      ErrCodeValidationError,
		Message:   message,
		Retryable: false,
		Details:   details,
	}
}

// NewNotFoundError reports a missing resource by type and id.
func NewNotFoundError(resourceType, resourceID string) *JobError {
	return &JobError{
		Code:      ErrCodeNotFound,
		Message:   fmt.Sprintf("%s '%s' not found.", resourceType, resourceID),
		Retryable: false,
		Details: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
}

// NewConflictError reports a state conflict (duplicate dedupe key, illegal
// status transition). Not retryable.
func NewConflictError(message string, details map[string]any) *JobError {
	return &JobError{
		Code:      ErrCodeConflict,
		Message:   message,
		Retryable: false,
		Details:   details,
	}
}

// NewInternalError reports an infrastructure fault. Retryable: the next
// attempt may hit a healthy dependency.
func NewInternalError(message string, details map[string]any) *JobError {
	return &JobError{
		Code:      ErrCodeInternalError,
		Message:   message,
		Retryable: true,
		Details:   details,
	}
}
