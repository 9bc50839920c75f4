// Package apperr defines the error taxonomy shared by every store component
// and the boundaries that render errors to callers.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for the boundary layer.
type Code string

const (
	NotFound            Code = "NOT_FOUND"
	NotRegistered       Code = "NOT_REGISTERED"
	ValidationFailed    Code = "VALIDATION_FAILED"
	Unauthorized        Code = "UNAUTHORIZED"
	Locked              Code = "LOCKED"
	UpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	BadRequest          Code = "BAD_REQUEST"
	Internal            Code = "INTERNAL"
)

// Error is a typed failure carrying a code, a human message and optional
// structured detail.
type Error struct {
	Code    Code
	Message string
	Detail  any
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so callers can write
// errors.Is(err, apperr.New(apperr.NotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New builds an error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetail returns e with structured detail attached.
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

// CodeOf extracts the code of err. Context deadlines and cancellations are
// reported as UPSTREAM_UNAVAILABLE; anything untyped is INTERNAL.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return UpstreamUnavailable
	}
	return Internal
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// FromContext converts a context failure into UPSTREAM_UNAVAILABLE and
// returns any other error unchanged.
func FromContext(err error, what string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(UpstreamUnavailable, err, "%s timed out", what)
	}
	return err
}

// DetailOf returns the structured detail of err, if any.
func DetailOf(err error) any {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return nil
}

// HTTPStatus maps a code to the response status used by the HTTP boundary.
func HTTPStatus(code Code) int {
	switch code {
	case NotFound, NotRegistered:
		return http.StatusNotFound
	case ValidationFailed, BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Locked:
		return http.StatusConflict
	case UpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromStore classifies a backing-store failure. Typed errors pass through,
// context failures become UPSTREAM_UNAVAILABLE and anything else INTERNAL.
func FromStore(err error, what string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FromContext(err, what)
	}
	return Wrap(Internal, err, "%s", what)
}
