package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Lookup and validation errors
	ErrCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrCodeValidation  ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotActive   ErrorCode = "NOT_ACTIVE"
	ErrCodeRateLimited ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Routing errors
	ErrCodeNoHealthyTargets ErrorCode = "NO_HEALTHY_TARGETS"

	// Scaling errors
	ErrCodeCooldownActive    ErrorCode = "COOLDOWN_ACTIVE"
	ErrCodeConcurrentScaling ErrorCode = "CONCURRENT_SCALING_IN_PROGRESS"
	ErrCodeProvisioning      ErrorCode = "PROVISIONING_FAILED"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeStorage  ErrorCode = "STORAGE_ERROR"
)

// ControlPlaneError is a structured error with a stable code, the component
// that raised it and the underlying cause.
type ControlPlaneError struct {
	Code      ErrorCode              `json:"code"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *ControlPlaneError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ControlPlaneError) Unwrap() error {
	return e.Cause
}

// Is matches errors by code.
func (e *ControlPlaneError) Is(target error) bool {
	if t, ok := target.(*ControlPlaneError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata attaches contextual metadata to the error.
func (e *ControlPlaneError) WithMetadata(key string, value interface{}) *ControlPlaneError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsRetryable reports whether the caller may retry the failed operation.
// NoHealthyTargets, cooldown and concurrency rejections are deliberate
// decisions, not transient faults, and are never retryable.
func (e *ControlPlaneError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeInternal, ErrCodeStorage:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *ControlPlaneError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeNotFound:
		return 404
	case ErrCodeValidation:
		return 400
	case ErrCodeNotActive, ErrCodeConcurrentScaling, ErrCodeCooldownActive:
		return 409
	case ErrCodeRateLimited:
		return 429
	case ErrCodeNoHealthyTargets:
		return 503
	case ErrCodeProvisioning:
		return 502
	default:
		return 500
	}
}

// New creates a new ControlPlaneError
func New(code ErrorCode, component, message string) *ControlPlaneError {
	return &ControlPlaneError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an existing error with a code and component.
func Wrap(err error, code ErrorCode, component, message string) *ControlPlaneError {
	if err == nil {
		return nil
	}
	return &ControlPlaneError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
	}
}

// Common constructors

// NewNotFound creates an error for an unknown resource.
func NewNotFound(kind, id string) *ControlPlaneError {
	return New(ErrCodeNotFound, "registry",
		fmt.Sprintf("%s %q not found", kind, id)).WithMetadata("id", id)
}

// NewValidation creates an error for an invalid definition or request.
func NewValidation(component string, cause error) *ControlPlaneError {
	return Wrap(cause, ErrCodeValidation, component, cause.Error())
}

// NewNotActive creates an error for an operation on a non-active resource.
func NewNotActive(kind, id, status string) *ControlPlaneError {
	return New(ErrCodeNotActive, "router",
		fmt.Sprintf("%s %q is %s, not active", kind, id, status)).
		WithMetadata("id", id).WithMetadata("status", status)
}

// NewNoHealthyTargets creates an error for routing over an empty eligible set.
func NewNoHealthyTargets(lbID string) *ControlPlaneError {
	return New(ErrCodeNoHealthyTargets, "router",
		fmt.Sprintf("load balancer %q has no healthy targets", lbID)).
		WithMetadata("load_balancer_id", lbID)
}

// NewCooldownActive creates an error for a scaling attempt inside the
// cooldown window.
func NewCooldownActive(groupID string, remaining time.Duration) *ControlPlaneError {
	return New(ErrCodeCooldownActive, "scaling_executor",
		fmt.Sprintf("group %q is in cooldown for another %v", groupID, remaining)).
		WithMetadata("group_id", groupID).WithMetadata("remaining", remaining.String())
}

// NewConcurrentScaling creates an error for a second scale call on a group
// that is already scaling.
func NewConcurrentScaling(groupID string) *ControlPlaneError {
	return New(ErrCodeConcurrentScaling, "scaling_executor",
		fmt.Sprintf("group %q already has a scaling operation in flight", groupID)).
		WithMetadata("group_id", groupID)
}

// NewProvisioningFailed wraps a failed provisioning call.
func NewProvisioningFailed(groupID string, cause error) *ControlPlaneError {
	return Wrap(cause, ErrCodeProvisioning, "scaling_executor",
		fmt.Sprintf("provisioning for group %q failed", groupID)).
		WithMetadata("group_id", groupID)
}

// NewRateLimited creates an error for a request over the configured rate.
func NewRateLimited(lbID string) *ControlPlaneError {
	return New(ErrCodeRateLimited, "router",
		fmt.Sprintf("rate limit exceeded for load balancer %q", lbID)).
		WithMetadata("load_balancer_id", lbID)
}

// Helper functions

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var cpErr *ControlPlaneError
	if errors.As(err, &cpErr) {
		return cpErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var cpErr *ControlPlaneError
	if errors.As(err, &cpErr) {
		return cpErr.IsRetryable()
	}
	return false
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var cpErr *ControlPlaneError
	if errors.As(err, &cpErr) {
		return cpErr.HTTPStatusCode()
	}
	return 500
}
