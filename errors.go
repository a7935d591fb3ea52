package litecask

import "github.com/litecask-go/litecask/internal/status"

// Status is the closed set of outcomes every public operation can return.
type Status = status.Status

const (
	StatusOk                         = status.Ok
	StatusStoreNotOpen                = status.StoreNotOpen
	StatusStoreAlreadyOpen            = status.StoreAlreadyOpen
	StatusStoreAlreadyInUse           = status.StoreAlreadyInUse
	StatusEntryNotFound               = status.EntryNotFound
	StatusCorrupted                   = status.Corrupted
	StatusBadKeySize                  = status.BadKeySize
	StatusBadValueSize                = status.BadValueSize
	StatusInconsistentKeyIndex        = status.InconsistentKeyIndex
	StatusUnorderedKeyIndex           = status.UnorderedKeyIndex
	StatusBadParameterValue           = status.BadParameterValue
	StatusInconsistentParameterValues = status.InconsistentParameterValues
	StatusIoError                     = status.IoError
)

// Error is the error type returned by every public Datastore method. It carries a
// closed Status plus, for I/O-originated failures, a wrapped cause with a stack trace.
type Error = status.Error

func newStatusError(s Status) *Error {
	return status.New(s)
}

func wrapIoError(cause error) *Error {
	return status.WrapIoError(cause)
}

// IsStatus reports whether err is a *litecask.Error carrying the given Status.
func IsStatus(err error, s Status) bool {
	return status.Is(err, s)
}
