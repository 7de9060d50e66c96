package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/scalr-api-client/pkg/transport"
)

// Common errors returned by the client.
var (
	// ErrConfig is wrapped by every configuration error returned from New.
	ErrConfig = errors.New("invalid client configuration")

	// ErrUnsupportedMethod is returned for methods other than GET, POST, PATCH and DELETE.
	ErrUnsupportedMethod = errors.New("unsupported HTTP method")
)

// TransportError is a failure below the HTTP status level: the request could
// not be built, the limiter wait was cancelled, or the dispatcher failed.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrorDetail is one entry of the API's {"errors": [...]} envelope.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is a response with status >= 400.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	ErrorClass transport.ErrorClass
	Errors     []ErrorDetail
	Body       []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("scalr API %s error (status %d): %s %s",
			e.ErrorClass, e.StatusCode, e.Method, e.Path)
	}

	msgs := make([]string, 0, len(e.Errors))
	for _, d := range e.Errors {
		msgs = append(msgs, d.Code+": "+d.Message)
	}
	return fmt.Sprintf("scalr API %s error (status %d): %s %s: %s",
		e.ErrorClass, e.StatusCode, e.Method, e.Path, strings.Join(msgs, "; "))
}

// HasCode reports whether the envelope carries the given error code.
func (e *APIError) HasCode(code string) bool {
	for _, d := range e.Errors {
		if d.Code == code {
			return true
		}
	}
	return false
}

// IsStatus reports whether err is an *APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// parseErrorEnvelope extracts the errors array; anything else yields nil.
func parseErrorEnvelope(data []byte) []ErrorDetail {
	if len(data) == 0 {
		return nil
	}
	var envelope struct {
		Errors []ErrorDetail `json:"errors"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil
	}
	return envelope.Errors
}
