// Package middleware provides composable middleware around batch
// submission.
//
// A [Middleware] wraps the call that hands a batch to the executor.
// Middleware are composed with [Chain]; the first in the list is the
// outermost wrapper.
//
//	chain := middleware.Chain(
//	    middleware.Logging(logger),
//	    middleware.Recover(logger),
//	    middleware.Timeout(cfg.SubmitTimeout),
//	)
//
// # Built-in Middleware
//
//   - [Logging] logs thread, key, operation count and outcome
//   - [Recover] turns panics into retryable errors
//   - [Timeout] bounds each submission and reports overruns as retryable
//   - [Tracing] wraps submission in an OpenTelemetry span
//   - [Metrics] records submission latency, outcome and batch size
package middleware
