package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/executor"
)

// tracerName is the instrumentation scope name for tempo tracing.
const tracerName = "github.com/xraph/tempo"

// Tracing returns middleware that wraps submission in an OpenTelemetry
// span using the global TracerProvider.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
//
// Span attributes include: tempo.thread.id, tempo.thread.name,
// tempo.batch.key, tempo.batch.operations, tempo.batch.mode,
// tempo.batch.tables, tempo.attempt. On error the span records the
// failure class.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, b *executor.Batch, next Handler) error {
		ctx, span := tracer.Start(ctx, "tempo.batch.submit",
			trace.WithAttributes(
				attribute.String("tempo.thread.id", b.ThreadID.String()),
				attribute.String("tempo.thread.name", b.ThreadName),
				attribute.String("tempo.batch.key", b.Key),
				attribute.Int("tempo.batch.operations", len(b.Operations)),
				attribute.String("tempo.batch.mode", string(b.Resolution.Mode)),
				attribute.Int("tempo.batch.tables", len(b.Resolution.Tables)),
				attribute.Int("tempo.attempt", b.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("tempo.failure.class", string(tempo.Classify(err))))
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
