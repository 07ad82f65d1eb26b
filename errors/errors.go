// Package errors provides error handling for bibexport.
//
// This package re-exports github.com/cockroachdb/errors and adds the export
// failure taxonomy. Every failure a job can end with is marked with one of the
// sentinel kinds below, so callers classify with errors.Is while the message
// stays specific:
//
//	err := errors.InvalidScopef("collection %q not found", key)
//	if errors.Is(err, errors.ErrInvalidScope) {
//	    // reject before touching the worker
//	}
//
// Cancellation is deliberately not part of the taxonomy: a cancelled job
// resolves successfully with an empty result.
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var AssertionFailedf = crdb.AssertionFailedf

// Generic sentinels shared across packages.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")
)

// Export failure kinds.
var (
	// ErrInvalidScope: the scope is malformed, empty or names nothing resolvable.
	ErrInvalidScope = New("invalid scope")

	// ErrDestinationUnwritable: the output path is not a file or its parent is gone.
	ErrDestinationUnwritable = New("destination unwritable")

	// ErrWorkerUnavailable: the background converter process could not be started.
	ErrWorkerUnavailable = New("worker unavailable")

	// ErrConversionFailed: the worker reported an error message for the job.
	ErrConversionFailed = New("conversion failed")

	// ErrTransportFailure: the worker process died or the channel itself errored.
	ErrTransportFailure = New("transport failure")
)

// InvalidScopef creates an error marked as ErrInvalidScope.
func InvalidScopef(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidScope)
}

// DestinationUnwritablef creates an error marked as ErrDestinationUnwritable.
func DestinationUnwritablef(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrDestinationUnwritable)
}

// WorkerUnavailable marks err as ErrWorkerUnavailable.
func WorkerUnavailable(err error, msg string) error {
	return Mark(Wrap(err, msg), ErrWorkerUnavailable)
}

// ConversionFailed creates an error carrying the worker-supplied message verbatim.
func ConversionFailed(message string) error {
	if message == "" {
		message = "conversion failed (no message from worker)"
	}
	return Mark(New(message), ErrConversionFailed)
}

// TransportFailure marks err as ErrTransportFailure.
func TransportFailure(err error, msg string) error {
	return Mark(Wrap(err, msg), ErrTransportFailure)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsInvalidScope checks if an error is marked ErrInvalidScope
func IsInvalidScope(err error) bool {
	return err != nil && Is(err, ErrInvalidScope)
}

// IsDestinationUnwritable checks if an error is marked ErrDestinationUnwritable
func IsDestinationUnwritable(err error) bool {
	return err != nil && Is(err, ErrDestinationUnwritable)
}

// IsWorkerUnavailable checks if an error is marked ErrWorkerUnavailable
func IsWorkerUnavailable(err error) bool {
	return err != nil && Is(err, ErrWorkerUnavailable)
}

// IsConversionFailed checks if an error is marked ErrConversionFailed
func IsConversionFailed(err error) bool {
	return err != nil && Is(err, ErrConversionFailed)
}

// IsTransportFailure checks if an error is marked ErrTransportFailure
func IsTransportFailure(err error) bool {
	return err != nil && Is(err, ErrTransportFailure)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}
