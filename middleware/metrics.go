package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/executor"
)

// meterName is the instrumentation scope name for tempo metrics.
const meterName = "github.com/xraph/tempo"

// Metrics returns middleware that records submission metrics using the
// global OTel MeterProvider.
//
// Instruments:
//   - tempo.batch.duration (Float64Histogram): submit latency in seconds,
//     with attributes: mode, status ("ok" or the failure class)
//   - tempo.batch.submissions (Int64Counter): total submissions, same
//     attributes
//   - tempo.batch.operations (Int64Histogram): operations per batch
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the OTel API returns noop instruments.
	duration, _ := meter.Float64Histogram( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"tempo.batch.duration",
		metric.WithDescription("Duration of batch submission in seconds"),
		metric.WithUnit("s"),
	)
	submissions, _ := meter.Int64Counter( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"tempo.batch.submissions",
		metric.WithDescription("Total number of batch submissions"),
		metric.WithUnit("{submission}"),
	)
	operations, _ := meter.Int64Histogram( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"tempo.batch.operations",
		metric.WithDescription("Operations per submitted batch"),
		metric.WithUnit("{operation}"),
	)

	return func(ctx context.Context, b *executor.Batch, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = string(tempo.Classify(err))
		}
		attrs := metric.WithAttributes(
			attribute.String("mode", string(b.Resolution.Mode)),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		submissions.Add(ctx, 1, attrs)
		operations.Record(ctx, int64(len(b.Operations)), attrs)
		return err
	}
}
