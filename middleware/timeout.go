package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/executor"
)

// Timeout returns middleware that bounds a submission to d. A submission
// cut off by the deadline is reported as retryable. A zero d disables the
// bound.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *executor.Batch, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		err := next(ctx)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, tempo.ErrRetryable) {
			return fmt.Errorf("submit timed out after %s: %w: %w", d, tempo.ErrRetryable, err)
		}
		return err
	}
}
