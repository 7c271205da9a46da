package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/locus/internal/registry"
)

// Kind classifies a failed operation. The HTTP boundary maps each kind to
// one status code.
type Kind uint8

const (
	KindNone Kind = iota
	KindAuthorization
	KindValidation
	KindNotFound
	KindConflict
	KindStoreTimeout
	KindStore
)

// String returns the snake_case name of the kind, used as a metric label.
func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindStoreTimeout:
		return "store_timeout"
	case KindStore:
		return "store"
	}
	return ""
}

// Error is the failure result of an operation. Msg is the text returned to
// the caller verbatim.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error returns the caller-facing message.
func (e *Error) Error() string { return e.Msg }

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

func authorizationError() *Error {
	return &Error{Kind: KindAuthorization, Msg: "Invalid API key"}
}

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func validationErrorf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// invalid wraps a parse or mutation error whose text is already
// caller-facing.
func invalid(err error) *Error {
	return &Error{Kind: KindValidation, Msg: err.Error(), Err: err}
}

func notFoundError(msg string, err error) *Error {
	return &Error{Kind: KindNotFound, Msg: msg, Err: err}
}

func conflictError(msg string, err error) *Error {
	return &Error{Kind: KindConflict, Msg: msg, Err: err}
}

// KindOf returns the kind of err. Errors that are not an [*Error] are
// store failures; nil is [KindNone].
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}

// translate turns any error escaping an operation into an [*Error].
// Request-level errors pass through; everything else is a store failure.
func translate(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, registry.ErrTimeout),
		errors.Is(err, registry.ErrConflict),
		errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindStoreTimeout, Msg: "Timeout error occurred while calling the store", Err: err}
	case errors.Is(err, registry.ErrNotFound):
		return notFoundError("Not found", err)
	case errors.Is(err, registry.ErrDuplicateName):
		return conflictError("Name already taken", err)
	}
	return &Error{Kind: KindStore, Msg: "Error occurred while calling the store: " + err.Error(), Err: err}
}
