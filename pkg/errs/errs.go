// Package errs defines the error taxonomy shared by the ingestion and retrieval layers.
//
// Every external failure is classified into a Kind so that callers can decide
// uniformly whether to retry (Transient), surface immediately (Validation,
// NotFound, Conflict) or sanitize before responding (Internal, Timeout).
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	KindInternal Kind = iota
	KindTransient
	KindValidation
	KindNotFound
	KindConflict
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error carries a Kind, the failing operation and the underlying cause.
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
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks a network or rate-limit failure that may succeed on retry.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Validation marks malformed input. Never retried.
func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

// NotFound marks a missing document, file or row.
func NotFound(op, msg string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: msg}
}

// Conflict marks an operation that lost a race, e.g. a folder lock already held.
func Conflict(op, msg string) error {
	return &Error{Kind: KindConflict, Op: op, Msg: msg}
}

// Timeout marks an external call that exceeded its budget.
func Timeout(op string, err error) error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// Internal wraps an unexpected failure.
func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost classified error in the chain.
// Unclassified errors are Internal, except bare context deadlines which are Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

func IsTransient(err error) bool  { return err != nil && KindOf(err) == KindTransient }
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return err != nil && KindOf(err) == KindNotFound }
func IsConflict(err error) bool   { return err != nil && KindOf(err) == KindConflict }
func IsTimeout(err error) bool    { return err != nil && KindOf(err) == KindTimeout }

// Public returns text that is safe to show a caller: the Msg of a Validation or
// NotFound error, and a generic "internal error" for everything else.
func Public(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" && (e.Kind == KindValidation || e.Kind == KindNotFound) {
		return e.Msg
	}
	return "internal error"
}
