package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/batch/job"
)

// Logging returns middleware that logs the start and outcome of each
// attempt. A handler that outlives its lease is logged at warn level with
// the overrun, since its result can no longer be freed.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		l := logger.With(
			slog.String("job_type", string(j.Type)),
			slog.String("job_id", j.ID.String()),
			slog.Int64("partner_id", j.PartnerID),
			slog.Int("attempt", j.ExecutionAttempts),
		)
		l.Info("job started")

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		switch Classify(err) {
		case OutcomeOK:
			l.Info("job completed", slog.Duration("elapsed", elapsed))
		case OutcomeLeaseExpired:
			attrs := []any{slog.Duration("elapsed", elapsed)}
			if j.Lease != nil {
				attrs = append(attrs, slog.Duration("overrun", time.Since(j.Lease.ExpiresAt)))
			}
			l.Warn("job outlived its lease", attrs...)
		default:
			l.Error("job failed",
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		}
		return err
	}
}
