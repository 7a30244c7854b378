package tempo

import (
	"context"
	"errors"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("tempo: no store configured")
	ErrNoExecutor  = errors.New("tempo: no executor configured")
	ErrStoreClosed = errors.New("tempo: store closed")

	// Not found errors.
	ErrThreadNotFound = errors.New("tempo: thread not found")
	ErrTableNotFound  = errors.New("tempo: lookup table not found")
	ErrCrankNotFound  = errors.New("tempo: crank not found")
	ErrReportNotFound = errors.New("tempo: failure report not found")

	// Conflict errors.
	ErrThreadAlreadyExists = errors.New("tempo: thread already exists")
	ErrCrankAlreadyExists  = errors.New("tempo: crank already exists")
	ErrTableAlreadyExists  = errors.New("tempo: lookup table already exists")
	ErrThreadBusy          = errors.New("tempo: thread is executing")
	ErrNonceReused         = errors.New("tempo: request nonce already used")

	// Scheduling taxonomy.
	ErrCapacityExceeded = errors.New("tempo: capacity exceeded")
	ErrTableNotReady    = errors.New("tempo: lookup table not warmed up")
	ErrRetryable        = errors.New("tempo: retryable failure")
	ErrFatal            = errors.New("tempo: fatal failure")
	ErrStaleTrigger     = errors.New("tempo: stale trigger")

	// Fatal causes.
	ErrMalformed           = errors.New("tempo: malformed thread")
	ErrInsufficientBalance = errors.New("tempo: insufficient balance")
	ErrAuthorityRevoked    = errors.New("tempo: authority revoked")
	ErrUnauthorized        = errors.New("tempo: unauthorized request")
)

// Class is the scheduler's view of a failure. Only the scheduler decides
// between retry and pause; every other layer just returns errors.
type Class string

const (
	// ClassNone means there was no error.
	ClassNone Class = ""
	// ClassRetryable failures leave the thread unpaused and retry on a later poll.
	ClassRetryable Class = "retryable"
	// ClassTableNotReady means a covering lookup table is still warming up.
	ClassTableNotReady Class = "table_not_ready"
	// ClassCapacity means a table or limit overflowed and more capacity is needed.
	ClassCapacity Class = "capacity_exceeded"
	// ClassStale means eligibility was computed against superseded state.
	ClassStale Class = "stale_trigger"
	// ClassFatal failures pause the thread until an explicit resume.
	ClassFatal Class = "fatal"
)

// Classifier is implemented by errors that know their own class, such as
// executor rejections.
type Classifier interface {
	Class() Class
}

// Classify maps an error to its failure class. Unknown errors are
// retryable: a transient fault must never strand a thread in a paused state.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var c Classifier
	if errors.As(err, &c) {
		return c.Class()
	}

	switch {
	case errors.Is(err, ErrStaleTrigger):
		return ClassStale
	case errors.Is(err, ErrTableNotReady):
		return ClassTableNotReady
	case errors.Is(err, ErrCapacityExceeded):
		return ClassCapacity
	case errors.Is(err, ErrFatal),
		errors.Is(err, ErrMalformed),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrAuthorityRevoked):
		return ClassFatal
	case errors.Is(err, ErrRetryable),
		errors.Is(err, context.DeadlineExceeded):
		return ClassRetryable
	default:
		return ClassRetryable
	}
}
