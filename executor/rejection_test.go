package executor_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/executor"
)

func TestRejectionClass(t *testing.T) {
	tests := []struct {
		code     executor.Code
		class    tempo.Class
		sentinel error
	}{
		{executor.CodeTableNotReady, tempo.ClassTableNotReady, tempo.ErrTableNotReady},
		{executor.CodeTooLarge, tempo.ClassCapacity, tempo.ErrCapacityExceeded},
		{executor.CodeInvalid, tempo.ClassFatal, tempo.ErrMalformed},
		{executor.CodeInsufficientFunds, tempo.ClassFatal, tempo.ErrInsufficientBalance},
		{executor.CodeRevoked, tempo.ClassFatal, tempo.ErrAuthorityRevoked},
		{executor.CodeUnavailable, tempo.ClassRetryable, tempo.ErrRetryable},
		{executor.CodeProgramFailed, tempo.ClassRetryable, tempo.ErrRetryable},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := fmt.Errorf("submit: %w", executor.Reject(tt.code, "boom"))
			if got := tempo.Classify(err); got != tt.class {
				t.Errorf("Classify = %q, want %q", got, tt.class)
			}
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v) = false", tt.sentinel)
			}
			var rej *executor.Rejection
			if !errors.As(err, &rej) || rej.Code != tt.code {
				t.Errorf("errors.As did not recover the rejection")
			}
		})
	}
}

func TestRejectionMessage(t *testing.T) {
	r := &executor.Rejection{Code: executor.CodeInvalid, Operation: 2, Message: "bad account"}
	want := "tempo/executor: rejected (invalid) at operation 2: bad account"
	if r.Error() != want {
		t.Errorf("Error() = %q, want %q", r.Error(), want)
	}
	if got := executor.Reject(executor.CodeUnavailable, "down %d", 1).Error(); got != "tempo/executor: rejected (unavailable): down 1" {
		t.Errorf("Error() = %q", got)
	}
}

func TestFind(t *testing.T) {
	history := []executor.Commit{{Key: "a"}, {Key: "b"}}
	if c, ok := executor.Find(history, "b"); !ok || c.Key != "b" {
		t.Fatal("Find missed existing key")
	}
	if _, ok := executor.Find(history, "z"); ok {
		t.Fatal("Find reported missing key")
	}
}
