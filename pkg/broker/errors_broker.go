package broker

import "net/http"

// Error is a structured API failure with a stable string code and an HTTP
// status. Errors are never retried internally; they surface to the caller as
// a JSON body of the form {"error": code}.
type Error struct {
	code   string
	status int
}

func (e *Error) Error() string { return e.code }

// Code returns the stable string code, e.g. "invalid_request".
func (e *Error) Code() string { return e.code }

// StatusCode returns the HTTP status the error maps to.
func (e *Error) StatusCode() int { return e.status }

var (
	ErrInternal               = &Error{"internal_error", http.StatusInternalServerError}
	ErrInvalidRequest         = &Error{"invalid_request", http.StatusBadRequest}
	ErrMissingHeaders         = &Error{"missing_headers", http.StatusBadRequest}
	ErrServerAlreadyConnected = &Error{"server_already_connected", http.StatusBadRequest}
	ErrInvalidAPIKey          = &Error{"invalid_api_key", http.StatusForbidden}
	ErrInvalidSignature       = &Error{"invalid_signature", http.StatusForbidden}
	ErrInvalidRequestOrigin   = &Error{"invalid_request_origin", http.StatusForbidden}
	ErrResourceNotFound       = &Error{"resource_not_found", http.StatusNotFound}
	ErrNotImplemented         = &Error{"not_implemented", http.StatusNotImplemented}
	ErrTooManyRequests        = &Error{"too_many_requests", http.StatusTooManyRequests}
)
