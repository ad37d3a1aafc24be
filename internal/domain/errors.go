// Package domain holds the error taxonomy shared by the bridge packages.
package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Wrap them with NewError or fmt.Errorf("...: %w", ...) so
// callers can classify failures with errors.Is.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrTransport    = fmt.Errorf("transport failure")
	ErrProtocol     = fmt.Errorf("protocol anomaly")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrUnavailable  = fmt.Errorf("device unavailable")
	ErrDisconnected = fmt.Errorf("link disconnected")
	ErrUnsupported  = fmt.Errorf("unsupported")
)

// Error wraps a category sentinel with operation context.
type Error struct {
	Op     string // e.g. "Manager.Connect"
	Err    error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates an Error.
func NewError(op string, err error, detail string) *Error {
	return &Error{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to err. Returns nil if err is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Response bodies used to signal semantic failures to the browser. The HTTP
// status stays 200; callers inspect the body.
const (
	BodyBadRequest  = "400"
	BodyNotFound    = "404"
	BodyConflict    = "409"
	BodyUnavailable = "503"
)

// StatusBody maps err to the numeric response body understood by the UI.
// Returns "" for a nil error.
func StatusBody(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return BodyNotFound
	case errors.Is(err, ErrInvalidInput):
		return BodyBadRequest
	case errors.Is(err, ErrUnsupported):
		return BodyConflict
	default:
		return BodyUnavailable
	}
}
