// Package fault defines the error taxonomy shared by the ledger packages.
//
// Every domain failure is a *Error carrying a Kind. Callers branch on the
// kind with KindOf or IsDomain instead of comparing concrete types.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind uint8

const (
	// KindInternal is any infrastructure failure: store unavailable, lock
	// timeout, broken connection. Retrying may succeed.
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindBadRequest
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	// optional cause
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error of the same kind and message, so that
// package level sentinels can be matched with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) error {
	return newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return newf(KindConflict, format, args...)
}

func BadRequest(format string, args ...interface{}) error {
	return newf(KindBadRequest, format, args...)
}

func Unauthorized(format string, args ...interface{}) error {
	return newf(KindUnauthorized, format, args...)
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsDomain reports whether err is a permanent domain failure. Domain
// failures are deterministic: repeating the same request fails the same way.
func IsDomain(err error) bool {
	return err != nil && KindOf(err) != KindInternal
}
