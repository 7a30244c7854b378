package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/executor"
)

// Logging returns middleware that logs each submission and its outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, b *executor.Batch, next Handler) error {
		logger.Debug("batch submitting",
			slog.String("thread", b.ThreadName),
			slog.String("thread_id", b.ThreadID.String()),
			slog.String("key", b.Key),
			slog.Int("operations", len(b.Operations)),
			slog.String("mode", string(b.Resolution.Mode)),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("batch rejected",
				slog.String("thread", b.ThreadName),
				slog.String("thread_id", b.ThreadID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("class", string(tempo.Classify(err))),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("batch committed",
				slog.String("thread", b.ThreadName),
				slog.String("thread_id", b.ThreadID.String()),
				slog.Int("operations", len(b.Operations)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
