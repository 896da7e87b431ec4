// Package moqerr defines the error taxonomy shared by the wire codec,
// session engine, and relay routing layers. Every error carries a Kind
// that callers match with errors.Is, and protocol-visible errors carry a
// short correlation id that appears both in the wire-level reason phrase
// and in the diagnostic log, so a peer-reported failure can be joined to
// its internal cause.
package moqerr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies a protocol error.
type Kind int

const (
	// KindMalformedEncoding marks bytes that can never decode to a valid
	// value regardless of how much more data arrives.
	KindMalformedEncoding Kind = iota + 1

	// KindNeedMoreData marks a truncated buffer: the bytes seen so far are
	// a valid prefix and the caller should wait for more.
	KindNeedMoreData

	// KindProtocolViolation marks a message received in an illegal state or
	// exceeding a negotiated limit. Always session-fatal.
	KindProtocolViolation

	// KindNamespaceConflict marks a registration collision. Surfaced to the
	// requester; the session continues.
	KindNamespaceConflict

	// KindUnknownTrackAlias marks data-plane traffic referencing an alias
	// with no binding after the bounded wait.
	KindUnknownTrackAlias

	// KindUnimplementedFeature marks a recognized but unsupported message
	// or field, rejected explicitly rather than misinterpreted.
	KindUnimplementedFeature

	// KindCoordinatorUnavailable marks a failed cross-relay lookup or
	// registration. Surfaced to the requester; the relay keeps running.
	KindCoordinatorUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindMalformedEncoding:
		return "malformed encoding"
	case KindNeedMoreData:
		return "need more data"
	case KindProtocolViolation:
		return "protocol violation"
	case KindNamespaceConflict:
		return "namespace conflict"
	case KindUnknownTrackAlias:
		return "unknown track alias"
	case KindUnimplementedFeature:
		return "unimplemented feature"
	case KindCoordinatorUnavailable:
		return "coordinator unavailable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels for errors.Is matching. An *Error with Kind K matches the
// corresponding sentinel.
var (
	ErrMalformedEncoding      = &Error{Kind: KindMalformedEncoding}
	ErrNeedMoreData           = &Error{Kind: KindNeedMoreData}
	ErrProtocolViolation      = &Error{Kind: KindProtocolViolation}
	ErrNamespaceConflict      = &Error{Kind: KindNamespaceConflict}
	ErrUnknownTrackAlias      = &Error{Kind: KindUnknownTrackAlias}
	ErrUnimplementedFeature   = &Error{Kind: KindUnimplementedFeature}
	ErrCoordinatorUnavailable = &Error{Kind: KindCoordinatorUnavailable}
)

// Error is the concrete error type used throughout the protocol engine.
type Error struct {
	Kind        Kind
	Correlation string // empty until tagged by the session boundary
	Op          string // what was being decoded or handled
	Err         error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Correlation != "" {
		msg += " [" + e.Correlation + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "moq: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality, so errors.Is(err, ErrProtocolViolation) matches
// any protocol violation regardless of op or correlation id.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New returns an *Error of the given kind.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap returns an *Error of the given kind wrapping cause. A nil cause
// yields a plain New.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the Kind from err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Tag attaches a correlation id to err if it is an *Error and has none,
// returning the id actually in effect. Non-*Error values are returned
// untouched with a fresh id so the caller can still log one.
func Tag(err error) (error, string) {
	var e *Error
	if errors.As(err, &e) {
		if e.Correlation == "" {
			e.Correlation = NewCorrelationID()
		}
		return err, e.Correlation
	}
	return err, NewCorrelationID()
}

// NewCorrelationID returns a short identifier unique enough to join a wire
// error to a log line within one session's lifetime.
func NewCorrelationID() string {
	return uuid.NewString()[:8]
}
