package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/batch/job"
)

// Deadline returns middleware that cancels the handler context margin
// before the job's lease expires, leaving the holder time to free the job.
// Past the expiration the reaper may hand the job to another holder and
// this one can no longer free it. Unleased jobs run unbounded.
func Deadline(logger *slog.Logger, margin time.Duration) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Lease == nil {
			return next(ctx)
		}
		deadline := j.Lease.ExpiresAt.Add(-margin)
		if time.Until(deadline) <= 0 {
			logger.Warn("job lease expires within margin",
				slog.String("job_id", j.ID.String()),
				slog.Int64("partner_id", j.PartnerID),
				slog.Time("expires_at", j.Lease.ExpiresAt),
			)
		}
		ctx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()
		return next(ctx)
	}
}
