// Package apperr defines the error taxonomy shared by every domain service:
// not_found, validation, conflict and internal. Handlers translate these into
// HTTP responses through HTTPError.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies an application error.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// Error is a classified application error. Code is a stable machine-readable
// identifier (for example MEET_LINK_MISSING); Message is meant for humans.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same kind and code, so callers can
// compare against sentinels built with the constructors below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: message}
}

func Validation(code, message string) *Error {
	if code == "" {
		code = "VALIDATION_FAILED"
	}
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL", Message: message, Err: err}
}

// KindOf reports the kind of err. Errors that were never classified are
// treated as internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// CodeOf returns the machine code attached to err, or "" when err is not an
// *Error.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsNotFound reports whether err is classified as not_found.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// Body is the JSON payload written for failed requests.
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPError maps err onto an echo.HTTPError carrying a Body. Internal errors
// never leak their cause to the client.
func HTTPError(err error) *echo.HTTPError {
	var ae *Error
	if !errors.As(err, &ae) {
		return echo.NewHTTPError(http.StatusInternalServerError, Body{Code: "INTERNAL", Message: "internal error"}).SetInternal(err)
	}
	status := http.StatusInternalServerError
	msg := ae.Message
	switch ae.Kind {
	case KindNotFound:
		status = http.StatusNotFound
	case KindValidation:
		status = http.StatusBadRequest
	case KindConflict:
		status = http.StatusConflict
	default:
		msg = "internal error"
	}
	return echo.NewHTTPError(status, Body{Code: ae.Code, Message: msg}).SetInternal(err)
}
