package vision

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrNoAPIKey is returned when an API key is required but missing.
	ErrNoAPIKey = errors.New("vision: API key required")

	// ErrNoEndpoint is returned when a service URL is required but missing.
	ErrNoEndpoint = errors.New("vision: endpoint URL required")

	// ErrEmptyResponse is returned when a service replies with no content.
	ErrEmptyResponse = errors.New("vision: empty response")

	// ErrNoPrediction is returned when a response contains no usable
	// prediction object.
	ErrNoPrediction = errors.New("vision: no prediction in response")
)

// APIError represents an error response from a classification API.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the error message from the API.
	Message string

	// Service identifies which classifier returned the error.
	Service string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("vision [%s]: API error %d: %s",
		e.Service, e.StatusCode, e.Message)
}

// IsServerError returns true if this is a server-side error (HTTP 5xx).
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// ServiceError wraps an error with classifier context.
type ServiceError struct {
	Service string
	Err     error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	return fmt.Sprintf("vision [%s]: %v", e.Service, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with classifier context.
func WrapError(service string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Service: service, Err: err}
}
