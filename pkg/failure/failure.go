// Package failure classifies the ways an assistant request can end without an answer.
package failure

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the coarse category of a failure.
type Kind int

const (
	Unknown Kind = iota
	// ContextUnavailable means the context source could not be read. It is logged and the
	// request proceeds with an empty snapshot.
	ContextUnavailable
	// TransportFailure covers connection errors, unreadable streams and timeouts.
	TransportFailure
	// BackendError is an explicit error reported by the model backend.
	BackendError
	// Cancelled is a user initiated stop.
	Cancelled
	// SupersededRequest marks events from a request that is no longer active.
	SupersededRequest
)

func (k Kind) String() string {
	switch k {
	case ContextUnavailable:
		return "context_unavailable"
	case TransportFailure:
		return "transport_failure"
	case BackendError:
		return "backend_error"
	case Cancelled:
		return "cancelled"
	case SupersededRequest:
		return "superseded_request"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Surfaced reports whether a failure of this kind is shown to the user as the session error.
func (k Kind) Surfaced() bool {
	return k == TransportFailure || k == BackendError
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Message != "" && e.Cause != nil:
		return e.Message + ": " + e.Cause.Error()
	case e.Message != "":
		return e.Message
	case e.Cause != nil:
		return e.Cause.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns a failure without an underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: errors.WithStack(err)}
}

// KindOf walks the chain of err and returns the first classification found.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the user facing text of err: the failure message if present, otherwise
// the error string.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	return err.Error()
}
