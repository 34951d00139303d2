// Package apperr defines the error kinds shared by the scheduling and billing services.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Infrastructure Kind = iota
	NotFound
	Forbidden
	Validation
	Conflict
	InvalidState
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case Validation:
		return "validation_error"
	case Conflict:
		return "conflict"
	case InvalidState:
		return "invalid_state"
	default:
		return "infrastructure"
	}
}

// Error carries a kind and a caller-facing message. Err, if set, is the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
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

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
// Errors outside the taxonomy are treated as Infrastructure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Infrastructure
}

// Message returns the caller-facing message of the first *Error in err's chain.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// IsRetryable is true only for infrastructure failures. Business rule violations are never retried.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == Infrastructure
}
