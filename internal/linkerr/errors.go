// Package linkerr is the error taxonomy of the account-linking subsystem.
//
// Only the bridge translates protocol client failures into these kinds; every
// layer above it inspects Kind and never the underlying cause.
package linkerr

import (
	"errors"
	"time"
)

type Kind string

const (
	// Configuration means API credentials are not provisioned. Not retried.
	Configuration Kind = "configuration"
	// Transient covers timeouts and rate limiting; the caller may retry with backoff.
	Transient Kind = "transient"
	// InvalidSecret is a wrong second-factor value.
	InvalidSecret Kind = "invalid_secret"
	// ProtocolExpired means the login token is gone and a new one must be issued.
	ProtocolExpired Kind = "protocol_expired"
	// Unknown is anything else; details stay in server logs.
	Unknown Kind = "unknown"
	// Canceled marks an operation aborted by an explicit reset.
	Canceled Kind = "canceled"
	// Conflict marks an operation that is not valid in the current state.
	Conflict Kind = "conflict"
)

const genericMessage = "linking failed, please try again later"

type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Msg + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Public returns the message that may cross the API boundary.
func (e *Error) Public() string {
	if e.Kind == Unknown || e.Msg == "" {
		return genericMessage
	}
	return e.Msg
}

// KindOf reports the kind of err, treating foreign errors as Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return Unknown
}

// PublicMessage is Public for any error.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Public()
	}
	return genericMessage
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
