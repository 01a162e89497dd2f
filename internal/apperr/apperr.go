package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers that need to react to it.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindInvalidTransition Kind = "invalid_transition"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindDispatchFailure   Kind = "dispatch_failure"
	KindTransientStore    Kind = "transient_store"
	KindUnauthorized      Kind = "unauthorized"
	KindInternal          Kind = "internal"
)

var httpStatus = map[Kind]int{
	KindValidation:        http.StatusBadRequest,
	KindInvalidTransition: http.StatusConflict,
	KindNotFound:          http.StatusNotFound,
	KindConflict:          http.StatusConflict,
	KindDispatchFailure:   http.StatusBadGateway,
	KindTransientStore:    http.StatusServiceUnavailable,
	KindUnauthorized:      http.StatusUnauthorized,
	KindInternal:          http.StatusInternalServerError,
}

// Error is the typed error returned across package boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation is shorthand for a validation error wrapping err.
func Validation(op string, err error) error {
	return Wrap(KindValidation, op, err)
}

// NotFound reports an unknown entity id.
func NotFound(op, entity, id string) *Error {
	return New(KindNotFound, op, "%s %q not found", entity, id)
}

// KindOf returns the outermost kind in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientStore
	}
	return KindInternal
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to a response status code.
func HTTPStatus(err error) int {
	if status, ok := httpStatus[KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Message returns the human readable part of err without the op prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
