package errors

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// License state errors. The guard collapses every load failure into
// "no license"; the finer split exists for logs and metrics.
var (
	ErrNoLicense            = errors.New("no license")
	ErrLicenseCorrupt       = errors.New("license data corrupt")
	ErrSignatureMismatch    = errors.New("license signature mismatch")
	ErrClockRollback        = errors.New("clock rollback detected")
	ErrTrialExpired         = errors.New("trial expired")
	ErrInvalidActivationKey = errors.New("invalid activation key")
	ErrActivationRequired   = errors.New("activation required")
	ErrPersistFailed        = errors.New("failed to persist license state")
)

// APIError represents a structured API error response
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates a new APIError with the given parameters
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// Predefined API errors
var (
	ErrInvalidRequest   = New(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	ErrValidationFailed = New(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed")
	ErrInvalidKey       = New(http.StatusForbidden, "INVALID_ACTIVATION_KEY", "The activation key is not valid")
	ErrInternal         = New(http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
)

// ToAPIError maps a domain error onto the API error returned to clients.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, ErrInvalidActivationKey):
		return ErrInvalidKey
	case errors.Is(err, ErrPersistFailed):
		return New(http.StatusInternalServerError, "PERSIST_FAILED", "License state could not be saved")
	default:
		return ErrInternal
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }
