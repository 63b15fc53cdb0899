// Package observability provides a go-utils metrics extension for batch.
// The MetricsExtension implements lifecycle hooks to record system-wide
// counters for job creation, claims, updates, frees, retries, fatal
// outcomes, aborts, handler executions, and partner load refreshes.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
