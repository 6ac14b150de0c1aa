// Package apperr defines the error kinds every mutating operation reports
// back to clients, over HTTP and over the websocket ack channel.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	NotAuthenticated   Kind = "not_authenticated"
	Forbidden          Kind = "forbidden"
	NotFound           Kind = "not_found"
	InvariantViolation Kind = "invariant_violation"
	Conflict           Kind = "conflict"
	PayloadTooLarge    Kind = "payload_too_large"
	UnsupportedMedia   Kind = "unsupported_media"
	Transient          Kind = "transient"
	InvalidRequest     Kind = "invalid_request"
	Cancelled          Kind = "cancelled"
)

// Error carries a kind and a message safe to show to the client. Err is the
// underlying cause and is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of err. Anything that is not an *Error is treated
// as a storage or network failure the client may retry.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// MessageOf returns the client-facing message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "temporary failure, retry"
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case NotAuthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case InvariantViolation:
		return http.StatusUnprocessableEntity
	case Conflict:
		return http.StatusConflict
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case UnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case InvalidRequest:
		return http.StatusBadRequest
	case Cancelled:
		// nginx's "client closed request"; nobody is listening anyway.
		return 499
	default:
		return http.StatusServiceUnavailable
	}
}
