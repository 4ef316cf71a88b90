// Package shadowerr defines the closed set of error kinds that every
// ShadowBox operation surfaces to its caller, so that a frontend (TUI,
// importer, or the wire ERROR frame) can branch on failure class instead of
// matching error strings.
package shadowerr

import (
	"errors"
	"fmt"
)

// Kind is a distinguishable error category.
type Kind int

const (
	_ Kind = iota
	NotFound
	AuthFailure
	Locked
	IntegrityFailure
	IOError
	ProtocolError
	Timeout
	Cancelled
	Conflict
	QuotaExceeded
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case AuthFailure:
		return "AuthFailure"
	case Locked:
		return "Locked"
	case IntegrityFailure:
		return "IntegrityFailure"
	case IOError:
		return "IOError"
	case ProtocolError:
		return "ProtocolError"
	case Timeout:
		return "Timeout"
	case Cancelled:
		return "Cancelled"
	case Conflict:
		return "Conflict"
	case QuotaExceeded:
		return "QuotaExceeded"
	default:
		return "Unknown"
	}
}

// Error is a typed error carrying a Kind plus an optional wrapped cause.
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

// New builds a new *Error of the given kind with a plain message.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a new *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a new *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf builds a new *Error of the given kind with a formatted message
// wrapping cause.
func Wrapf(kind Kind, format string, cause error, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether the first *Error in err's chain carries the given
// Kind. Kinds of *Errors wrapped inside that one are not consulted.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or returns (0, false) if err is not a
// *Error (or does not wrap one).
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}
