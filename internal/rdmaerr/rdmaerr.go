// Package rdmaerr defines the machine-readable error taxonomy shared by
// every component of the connection and dispatch core.
//
// The shape follows dory::error::MaybeError from the original uBFT source:
// a small closed set of kinds, each carrying a human-readable reason and,
// where applicable, the faulting parameter.
package rdmaerr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category. Handlers branch on Kind rather
// than parsing reason strings.
type Kind uint8

const (
	// Config covers bad widths, duplicate names, registration mismatches,
	// and directory keys that already exist.
	Config Kind = iota
	// Resource covers allocation failures from the driver or the OS.
	Resource
	// IO covers verbs-poll, socket read/write failures, and unexpected EOF.
	IO
	// Protocol covers malformed handshake frames.
	Protocol
	// Overflow covers an identifier field that does not fit its slot.
	Overflow
	// NotFound covers a lookup by name that missed.
	NotFound
	// Handshake covers a client observing "NK" or any non-"OK" response.
	Handshake
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "ConfigError"
	case Resource:
		return "ResourceError"
	case IO:
		return "IoError"
	case Protocol:
		return "ProtocolError"
	case Overflow:
		return "OverflowError"
	case NotFound:
		return "NotFound"
	case Handshake:
		return "HandshakeError"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type produced throughout this module. Op names
// the operation that failed (e.g. "ctrl.RegisterPd"); Reason is a
// human-readable description including the faulting parameter; Err, when
// non-nil, is the wrapped underlying cause.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with no wrapped cause.
func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Wrap constructs an Error wrapping an underlying cause.
func Wrap(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
