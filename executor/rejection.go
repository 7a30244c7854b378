package executor

import (
	"fmt"

	"github.com/xraph/tempo"
)

// Code is the reason an executor rejected a batch.
type Code string

const (
	// CodeInvalid means the batch is malformed.
	CodeInvalid Code = "invalid"
	// CodeInsufficientFunds means the payer cannot cover the fee.
	CodeInsufficientFunds Code = "insufficient_funds"
	// CodeTooLarge means the inline handle budget was exceeded.
	CodeTooLarge Code = "too_large"
	// CodeTableNotReady means a referenced lookup table is still warming up.
	CodeTableNotReady Code = "table_not_ready"
	// CodeUnavailable means the executor could not be reached or timed out.
	CodeUnavailable Code = "unavailable"
	// CodeRevoked means the authority no longer permits execution.
	CodeRevoked Code = "revoked"
	// CodeProgramFailed means an operation failed against current state.
	CodeProgramFailed Code = "program_failed"
)

// Rejection is returned by Submit when a batch was not applied.
type Rejection struct {
	Code Code
	// Operation is the index of the failing operation, or -1.
	Operation int
	Message   string
}

// Reject builds a Rejection not tied to an operation.
func Reject(code Code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Operation: -1, Message: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	if r.Operation >= 0 {
		return fmt.Sprintf("tempo/executor: rejected (%s) at operation %d: %s", r.Code, r.Operation, r.Message)
	}
	return fmt.Sprintf("tempo/executor: rejected (%s): %s", r.Code, r.Message)
}

// Class maps the rejection code to a failure class.
func (r *Rejection) Class() tempo.Class {
	switch r.Code {
	case CodeTableNotReady:
		return tempo.ClassTableNotReady
	case CodeTooLarge:
		return tempo.ClassCapacity
	case CodeInvalid, CodeInsufficientFunds, CodeRevoked:
		return tempo.ClassFatal
	default:
		return tempo.ClassRetryable
	}
}

// Unwrap exposes the matching root sentinel to errors.Is.
func (r *Rejection) Unwrap() error {
	switch r.Code {
	case CodeTableNotReady:
		return tempo.ErrTableNotReady
	case CodeTooLarge:
		return tempo.ErrCapacityExceeded
	case CodeInvalid:
		return tempo.ErrMalformed
	case CodeInsufficientFunds:
		return tempo.ErrInsufficientBalance
	case CodeRevoked:
		return tempo.ErrAuthorityRevoked
	default:
		return tempo.ErrRetryable
	}
}
