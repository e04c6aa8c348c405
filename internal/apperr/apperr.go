// Package apperr defines the error taxonomy shared by every engine.
//
// Each error carries a stable Kind (what class of failure it is) and a
// stable Code (which failure exactly). Sentinels are compared by Code, so a
// copy produced by Wrap or With still satisfies errors.Is against the
// sentinel it came from.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers that only care about the category.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindExternal            Kind = "external"
	KindInternal            Kind = "internal"
)

// Error is a structured, user-presentable error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// New creates a sentinel error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// With returns a copy of e with a more specific message.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: e.Message + ": " + fmt.Sprintf(format, args...),
	}
}

// Wrap returns a copy of e that carries cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

// Generic sentinels, one per kind.
var (
	ErrValidation          = New(KindValidation, "validation_failed", "invalid request")
	ErrInsufficientBalance = New(KindInsufficientBalance, "insufficient_balance", "insufficient balance")
	ErrNotFound            = New(KindNotFound, "not_found", "not found")
	ErrConflict            = New(KindConflict, "conflict", "conflict")
	ErrExternal            = New(KindExternal, "external_dependency", "external dependency failed")
)

// Validation builds a validation error with a formatted message.
func Validation(format string, args ...any) error {
	return ErrValidation.With(format, args...)
}

// NotFound builds a not-found error for an entity and id.
func NotFound(entity, id string) error {
	return &Error{
		Kind:    KindNotFound,
		Code:    entity + "_not_found",
		Message: fmt.Sprintf("%s %s not found", entity, id),
	}
}

// External wraps a collaborator failure.
func External(cause error, format string, args ...any) error {
	return &Error{
		Kind:    KindExternal,
		Code:    ErrExternal.Code,
		Message: fmt.Sprintf(format, args...),
		Err:     cause,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// IsKind reports whether err belongs to kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code used by the API layer.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
