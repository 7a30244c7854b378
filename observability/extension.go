package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/executor"
	"github.com/xraph/tempo/ext"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/thread"
)

// Compile-time interface checks.
var (
	_ ext.Extension      = (*MetricsExtension)(nil)
	_ ext.ThreadCreated  = (*MetricsExtension)(nil)
	_ ext.ThreadExecuted = (*MetricsExtension)(nil)
	_ ext.ThreadRetrying = (*MetricsExtension)(nil)
	_ ext.ThreadPaused   = (*MetricsExtension)(nil)
	_ ext.ThreadResumed  = (*MetricsExtension)(nil)
	_ ext.ThreadClosed   = (*MetricsExtension)(nil)
	_ ext.TableExtended  = (*MetricsExtension)(nil)
	_ ext.CrankDrained   = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/tempo/observability"

// MetricsExtension records system-wide lifecycle metrics via an OTel meter.
// Register it as a tempo extension to track execution rates, retries,
// pauses, table growth and crank throughput.
//
// Instruments:
//   - tempo.thread.created, tempo.thread.resumed, tempo.thread.closed
//   - tempo.thread.executed, tempo.thread.execution.duration (seconds)
//   - tempo.thread.retried (attribute: class)
//   - tempo.thread.paused (attribute: reason)
//   - tempo.thread.refunded (sum of refunded balance)
//   - tempo.table.extended (members added)
//   - tempo.crank.drained (entries drained)
type MetricsExtension struct {
	threadCreated  metric.Int64Counter
	threadExecuted metric.Int64Counter
	execDuration   metric.Float64Histogram
	threadRetried  metric.Int64Counter
	threadPaused   metric.Int64Counter
	threadResumed  metric.Int64Counter
	threadClosed   metric.Int64Counter
	refunded       metric.Int64Counter
	tableExtended  metric.Int64Counter
	crankDrained   metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc, unit string) metric.Int64Counter {
		// On error the OTel API returns a noop instrument.
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit)) //nolint:errcheck // noop fallback
		return c
	}
	duration, _ := meter.Float64Histogram( //nolint:errcheck // noop fallback
		"tempo.thread.execution.duration",
		metric.WithDescription("Wall time from poll to recorded commit"),
		metric.WithUnit("s"),
	)

	return &MetricsExtension{
		threadCreated:  counter("tempo.thread.created", "Threads created", "{thread}"),
		threadExecuted: counter("tempo.thread.executed", "Committed thread executions", "{execution}"),
		execDuration:   duration,
		threadRetried:  counter("tempo.thread.retried", "Failed executions scheduled for retry", "{retry}"),
		threadPaused:   counter("tempo.thread.paused", "Threads paused", "{thread}"),
		threadResumed:  counter("tempo.thread.resumed", "Threads resumed", "{thread}"),
		threadClosed:   counter("tempo.thread.closed", "Threads closed", "{thread}"),
		refunded:       counter("tempo.thread.refunded", "Balance returned to authorities on close", "{unit}"),
		tableExtended:  counter("tempo.table.extended", "Handles appended to lookup tables", "{handle}"),
		crankDrained:   counter("tempo.crank.drained", "Queue entries drained by cranks", "{entry}"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Thread lifecycle hooks ──────────────────────────

// OnThreadCreated implements ext.ThreadCreated.
func (m *MetricsExtension) OnThreadCreated(ctx context.Context, _ *thread.Thread) error {
	m.threadCreated.Add(ctx, 1)
	return nil
}

// OnThreadExecuted implements ext.ThreadExecuted.
func (m *MetricsExtension) OnThreadExecuted(ctx context.Context, t *thread.Thread, _ executor.Commit, elapsed time.Duration) error {
	attrs := metric.WithAttributes(attribute.String("trigger", string(t.Trigger.Kind)))
	m.threadExecuted.Add(ctx, 1, attrs)
	m.execDuration.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// OnThreadRetrying implements ext.ThreadRetrying.
func (m *MetricsExtension) OnThreadRetrying(ctx context.Context, _ *thread.Thread, _ int, _ time.Time, cause error) error {
	m.threadRetried.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", string(tempo.Classify(cause))),
	))
	return nil
}

// OnThreadPaused implements ext.ThreadPaused.
func (m *MetricsExtension) OnThreadPaused(ctx context.Context, _ *thread.Thread, reason string) error {
	kind := "fatal"
	switch reason {
	case thread.PauseImmediateDone:
		kind = "completed"
	case thread.PauseByAuthority:
		kind = "authority"
	}
	m.threadPaused.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", kind)))
	return nil
}

// OnThreadResumed implements ext.ThreadResumed.
func (m *MetricsExtension) OnThreadResumed(ctx context.Context, _ *thread.Thread) error {
	m.threadResumed.Add(ctx, 1)
	return nil
}

// OnThreadClosed implements ext.ThreadClosed.
func (m *MetricsExtension) OnThreadClosed(ctx context.Context, _ *thread.Thread, refund uint64) error {
	m.threadClosed.Add(ctx, 1)
	m.refunded.Add(ctx, clampInt64(refund))
	return nil
}

// ── Resource hooks ──────────────────────────────────

// OnTableExtended implements ext.TableExtended.
func (m *MetricsExtension) OnTableExtended(ctx context.Context, _ *lut.Table, added int) error {
	m.tableExtended.Add(ctx, int64(added))
	return nil
}

// OnCrankDrained implements ext.CrankDrained.
func (m *MetricsExtension) OnCrankDrained(ctx context.Context, _ *crank.State, drained int) error {
	m.crankDrained.Add(ctx, int64(drained))
	return nil
}

func clampInt64(v uint64) int64 {
	const maxInt64 = 1<<63 - 1
	if v > maxInt64 {
		return maxInt64
	}
	return int64(v)
}
