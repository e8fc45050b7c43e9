package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error carries the HTTP status and machine-readable code for a failure that
// crosses the API boundary.
type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func BadRequest(err error) *Error   { return New(http.StatusBadRequest, "bad_request", err) }
func Unauthorized(err error) *Error { return New(http.StatusUnauthorized, "unauthorized", err) }
func Conflict(code string, err error) *Error {
	return New(http.StatusConflict, code, err)
}
func Unavailable(code string, err error) *Error {
	return New(http.StatusServiceUnavailable, code, err)
}

// As extracts an *Error from err, defaulting to 500 internal.
func As(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) && ae != nil {
		return ae
	}
	return New(http.StatusInternalServerError, "internal", err)
}
