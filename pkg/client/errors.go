package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels matched by *APIError under errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnavailable       = errors.New("supervisor unavailable")
)

type errorBody struct {
	Error string `json:"error"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("supervisor returned %d: %s", e.StatusCode, e.Message)
}

// Is maps the status code onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.StatusCode == http.StatusBadRequest
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrInvalidTransition:
		return e.StatusCode == http.StatusConflict
	case ErrUnavailable:
		return e.StatusCode >= http.StatusInternalServerError
	}
	return false
}
