// Package middleware provides composable middleware for job execution in
// the batch-process runtime.
//
// A [Middleware] is a function that wraps a job handler. Middleware are
// composed into a chain using [Chain] and applied before each job executes.
// They are applied right-to-left: the first middleware in the slice is the
// outermost wrapper.
//
//	// recover → logging → handler
//	chain := middleware.Chain(middleware.Recover(logger), middleware.Logging(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs each attempt with its partner and attempt number
//   - [Recover]: converts panics to errors wrapping [ErrHandlerPanic]
//   - [Deadline]: cancels the job context shortly before its lease expires
//   - [Tracing]: wraps execution in an OpenTelemetry span
//   - [Metrics]: records duration, calls and lease headroom per [Outcome]
//
// [Classify] maps a handler error to its [Outcome]. Middleware placed
// outside [Recover] see panics as [OutcomePanic], and outside [Deadline]
// see lease overruns as [OutcomeLeaseExpired].
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, j *job.Job, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
