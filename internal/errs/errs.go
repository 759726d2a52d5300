// Package errs defines the error taxonomy shared across the cache, the
// quantization pipeline, and the scheduler, so the RPC boundary can do a
// single uniform classification into wire statuses.
package errs

import "errors"

// Kind classifies an error for the purpose of wire-status translation.
type Kind int

const (
	Unknown Kind = iota
	InvalidArgument
	NotFound
	CapacityExceeded
	UnsupportedPrecision
	Cancelled
	SyncLagged
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case CapacityExceeded:
		return "CapacityExceeded"
	case UnsupportedPrecision:
		return "UnsupportedPrecision"
	case Cancelled:
		return "Cancelled"
	case SyncLagged:
		return "SyncLagged"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// classified is implemented by sentinel errors created with New.
type classified struct {
	kind Kind
	msg  string
}

func (e *classified) Error() string { return e.msg }

// New creates a sentinel error of the given kind. Wrap it with fmt.Errorf's
// %w to add context while preserving classification via errors.As.
func New(kind Kind, msg string) error {
	return &classified{kind: kind, msg: msg}
}

// ClassOf returns the Kind of err, walking wrapped errors. Unclassified
// errors (e.g. a bare I/O error) classify as Internal, the only kind that
// should abort a worker per the propagation policy.
func ClassOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	return Internal
}

var (
	ErrInvalidCapacity      = New(InvalidArgument, "errs: zero or negative capacity")
	ErrEmptyTensor          = New(InvalidArgument, "errs: empty tensor")
	ErrUnsupportedPrecision = New(UnsupportedPrecision, "errs: unsupported precision width")
	ErrNotFound             = New(NotFound, "errs: key not found")
	ErrCancelled            = New(Cancelled, "errs: task cancelled")
	ErrCapacityExceeded     = New(CapacityExceeded, "errs: capacity exceeded")
	ErrSyncLagged           = New(SyncLagged, "errs: sync backlog overflowed, entries dropped")
)
