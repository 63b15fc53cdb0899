package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/batch/job"
)

// ErrHandlerPanic wraps a panic recovered from a job handler.
var ErrHandlerPanic = errors.New("panic")

// Recover returns middleware that turns a handler panic into an error
// wrapping ErrHandlerPanic. The job is then freed like any failed attempt.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job handler panicked",
					slog.String("job_type", string(j.Type)),
					slog.String("job_id", j.ID.String()),
					slog.Int64("partner_id", j.PartnerID),
					slog.Int("attempt", j.ExecutionAttempts),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("%w in %s job %s: %v", ErrHandlerPanic, j.Type, j.ID, r)
			}
		}()
		return next(ctx)
	}
}
