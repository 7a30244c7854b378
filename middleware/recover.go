package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/executor"
)

// Recover returns middleware that recovers from panics in the submit
// chain. A panic becomes a retryable error logged with its stack.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, b *executor.Batch, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("batch submit panicked",
					slog.String("thread", b.ThreadName),
					slog.String("thread_id", b.ThreadID.String()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic submitting %s: %v: %w", b.ThreadName, r, tempo.ErrRetryable)
			}
		}()
		return next(ctx)
	}
}
