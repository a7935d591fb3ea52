// Package status defines the closed Status enum and the Error type every
// public Datastore operation returns, per spec.md §7. It lives in its own
// internal package (rather than the root package) so internal/writepath,
// internal/readpath, and internal/scheduler can construct and return
// Status-tagged errors directly, without importing the root package.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the closed set of outcomes every public operation can return.
type Status int

const (
	Ok Status = iota
	StoreNotOpen
	StoreAlreadyOpen
	StoreAlreadyInUse
	EntryNotFound
	Corrupted
	BadKeySize
	BadValueSize
	InconsistentKeyIndex
	UnorderedKeyIndex
	BadParameterValue
	InconsistentParameterValues
	IoError
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "Ok"
	case StoreNotOpen:
		return "StoreNotOpen"
	case StoreAlreadyOpen:
		return "StoreAlreadyOpen"
	case StoreAlreadyInUse:
		return "StoreAlreadyInUse"
	case EntryNotFound:
		return "EntryNotFound"
	case Corrupted:
		return "Corrupted"
	case BadKeySize:
		return "BadKeySize"
	case BadValueSize:
		return "BadValueSize"
	case InconsistentKeyIndex:
		return "InconsistentKeyIndex"
	case UnorderedKeyIndex:
		return "UnorderedKeyIndex"
	case BadParameterValue:
		return "BadParameterValue"
	case InconsistentParameterValues:
		return "InconsistentParameterValues"
	case IoError:
		return "IoError"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Error is the error type returned by every public Datastore method. It
// carries a closed Status plus, for I/O-originated failures, a wrapped cause
// with a stack trace.
type Error struct {
	Status Status
	cause  error
}

// New constructs a plain Status-tagged error with no wrapped cause.
func New(s Status) *Error {
	return &Error{Status: s}
}

// WrapIoError tags cause as an IoError, preserving a stack trace via
// github.com/pkg/errors so the underlying I/O failure stays visible in logs.
func WrapIoError(cause error) *Error {
	return &Error{Status: IoError, cause: errors.WithStack(cause)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("litecask: %s: %v", e.Status, e.cause)
	}
	return fmt.Sprintf("litecask: %s", e.Status)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is allows errors.Is(err, someStatusError) style checks via a Status
// wrapped in a sentinel error, in addition to direct *Error comparison.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Status == e.Status
	}
	return false
}

// Is reports whether err is an *Error carrying s.
func Is(err error, s Status) bool {
	var statusErr *Error
	if errors.As(err, &statusErr) {
		return statusErr.Status == s
	}
	return s == Ok && err == nil
}
