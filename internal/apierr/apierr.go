// Package apierr carries the status and code a failed request surfaces to
// callers.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeGraphInvalid        = "CEE_GRAPH_INVALID"
	CodeBoundaryBlocked     = "CEE_BOUNDARY_BLOCKED"
	CodeInputInvalid        = "CEE_INPUT_INVALID"
	CodeUpstreamUnavailable = "CEE_UPSTREAM_UNAVAILABLE"
)

type Error struct {
	Status     int      `json:"status"`
	Code       string   `json:"code"`
	Message    string   `json:"message,omitempty"`
	Violations []string `json:"violations,omitempty"`
	Err        error    `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
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

// GraphInvalid reports a graph that could not be repaired.
func GraphInvalid(status int, msg string, violations []string) *Error {
	return &Error{Status: status, Code: CodeGraphInvalid, Message: msg, Violations: violations}
}

func InputInvalid(err error) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeInputInvalid, Err: err}
}

func UpstreamUnavailable(err error) *Error {
	return &Error{Status: http.StatusBadGateway, Code: CodeUpstreamUnavailable, Err: err}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
