// Package errors provides standardized error handling for the access service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the access service.
type ErrorCode string

const (
	// Validation errors
	ACS_VALIDATION  ErrorCode = "ACS_VALIDATION"  // General validation error
	ACS_BAD_REQUEST ErrorCode = "ACS_BAD_REQUEST" // Bad request

	// Authentication/Authorization errors
	ACS_AUTHN         ErrorCode = "ACS_AUTHN"         // Authentication failed
	ACS_AUTHZ         ErrorCode = "ACS_AUTHZ"         // Caller not permitted
	ACS_DENIED        ErrorCode = "ACS_DENIED"        // Entitlement check denied
	ACS_TOKEN_INVALID ErrorCode = "ACS_TOKEN_INVALID" // Download token rejected

	// Resource errors
	ACS_NOT_FOUND ErrorCode = "ACS_NOT_FOUND" // Row not found
	ACS_CONFLICT  ErrorCode = "ACS_CONFLICT"  // Row already exists

	// Server errors
	ACS_INTERNAL    ErrorCode = "ACS_INTERNAL"    // Internal server error
	ACS_UNAVAILABLE ErrorCode = "ACS_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case ACS_VALIDATION, ACS_BAD_REQUEST:
		return http.StatusBadRequest
	case ACS_AUTHN, ACS_TOKEN_INVALID:
		return http.StatusUnauthorized
	case ACS_AUTHZ, ACS_DENIED:
		return http.StatusForbidden
	case ACS_NOT_FOUND:
		return http.StatusNotFound
	case ACS_CONFLICT:
		return http.StatusConflict
	case ACS_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
