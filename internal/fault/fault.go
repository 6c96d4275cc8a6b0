// Package fault classifies control-plane failures. Every error that
// crosses a package boundary carries a Kind so callers can decide
// whether to retry, reject, or alarm without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindTransient marks failures worth retrying: network, timeouts,
	// datastore unavailability.
	KindTransient Kind = "transient"

	// KindPrecondition marks caller errors: bad input, wrong state,
	// duplicate work. Never retried.
	KindPrecondition Kind = "precondition"

	// KindIntegrity marks data that does not match what was recorded:
	// checksum and count mismatches. Never retried.
	KindIntegrity Kind = "integrity"

	// KindDecryption marks ciphertext that failed authenticated
	// decryption. Fails closed; never retried.
	KindDecryption Kind = "decryption_failed"

	// KindNotFound marks lookups of things that do not exist.
	KindNotFound Kind = "not_found"
)

// Error is a classified control-plane error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a static message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as a retryable failure.
func Transient(op string, err error) *Error {
	return Wrap(KindTransient, op, err)
}

// Precondition creates a caller-error fault.
func Precondition(op, msg string) *Error {
	return New(KindPrecondition, op, msg)
}

// Integrity creates a data-mismatch fault.
func Integrity(op, msg string) *Error {
	return New(KindIntegrity, op, msg)
}

// Decryption wraps err as an authenticated-decryption failure.
func Decryption(op string, err error) *Error {
	return Wrap(KindDecryption, op, err)
}

// NotFound creates a missing-resource fault.
func NotFound(op, msg string) *Error {
	return New(KindNotFound, op, msg)
}

// KindOf returns the Kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsPrecondition reports whether err is classified as a caller error.
func IsPrecondition(err error) bool { return KindOf(err) == KindPrecondition }

// IsNotFound reports whether err is classified not found.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
