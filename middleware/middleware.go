// Package middleware provides composable middleware for job execution.
// Middleware wraps handler calls synchronously and can modify execution
// by recovering from panics, logging, tracing, or bounding it by the lease.
package middleware

import (
	"context"
	"errors"

	"github.com/xraph/batch/job"
)

// Handler is the terminal function that executes job logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the job being executed, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(metrics, recover, deadline) executes as:
//
//	metrics → recover → deadline → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, j, prev)
			}
		}
		return h(ctx)
	}
}

// Outcome classifies how a handler call ended.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
	// OutcomeLeaseExpired means the handler was still running when the
	// lease deadline passed. The job will be reclaimed by the reaper.
	OutcomeLeaseExpired Outcome = "lease_expired"
	OutcomePanic        Outcome = "panic"
)

// Classify returns the Outcome for a handler error.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrHandlerPanic):
		return OutcomePanic
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeLeaseExpired
	default:
		return OutcomeError
	}
}
