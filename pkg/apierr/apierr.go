// Package apierr defines the error-kind taxonomy shared by every
// component and translated to HTTP status codes at the API boundary.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error classification.
type Kind string

const (
	KindNotFound        Kind = "not-found"
	KindInvalidRequest  Kind = "invalid-request"
	KindUnauthorized    Kind = "unauthorized"
	KindConflict        Kind = "conflict"
	KindSessionGone     Kind = "session-gone"
	KindRemoteOffline   Kind = "remote-offline"
	KindRemoteNotFound  Kind = "remote-not-found"
	KindTimeout         Kind = "timeout"
	KindInternal        Kind = "internal"
)

// Error is a typed error carrying a Kind alongside the usual message
// and optional cause, so handlers can map it to an HTTP status and a
// stable JSON "code" without string-matching messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts an *Error from err via errors.As, returning (err, true) or
// (nil, false) if err is not or does not wrap an *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is an *Error, else KindInternal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Body builds the stable `{error, code}` JSON response body of §7: code
// is the Kind's own string value, so clients can branch on it without
// string-matching the human-readable message.
func Body(kind Kind, message string) map[string]interface{} {
	return map[string]interface{}{
		"error": message,
		"code":  string(kind),
	}
}

// HTTPStatus maps a Kind to its HTTP status code per the error-handling
// design of the spec (§7).
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound, KindRemoteNotFound:
		return http.StatusNotFound
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindSessionGone:
		return http.StatusGone
	case KindRemoteOffline:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
