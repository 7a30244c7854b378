// Package observability provides OpenTelemetry-based metrics for tempo.
// The MetricsExtension implements lifecycle hooks to record system-wide
// counters for thread creation, execution, retry, pause, resume and
// close, lookup table extension, and crank drains.
//
// For per-submission tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
