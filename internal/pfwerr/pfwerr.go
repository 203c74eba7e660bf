// Package pfwerr defines the closed set of error kinds the core can produce.
package pfwerr

import "fmt"

// Kind is a closed classification of core-level failures (spec §7).
type Kind string

const (
	InputInvalid     Kind = "input_invalid"
	PolicyNotFound   Kind = "policy_not_found"
	PolicyMalformed  Kind = "policy_malformed"
	PatternLoadError Kind = "pattern_load_error"
	Internal         Kind = "internal"
)

// Error wraps a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}
