package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/batch/job"
)

// meterName is the instrumentation scope name for batch metrics.
const meterName = "github.com/xraph/batch"

// Metrics returns middleware that records per-attempt metrics using the
// global OTel MeterProvider.
//
// Instruments:
//   - batch.job.duration (Float64Histogram): handler time in seconds
//   - batch.job.executions (Int64Counter): handler calls
//   - batch.job.lease_headroom (Float64Histogram): seconds left on the
//     lease when the handler returned, negative on overrun; leased jobs only
//
// Every instrument carries job_type, outcome (see [Outcome]) and retry,
// which is true past the first attempt. Partner ids are left to traces to
// keep series counts bounded.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram(
		"batch.job.duration",
		metric.WithDescription("Duration of job handler calls in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"batch.job.executions",
		metric.WithDescription("Job handler calls"),
		metric.WithUnit("{execution}"),
	)
	headroom, _ := meter.Float64Histogram(
		"batch.job.lease_headroom",
		metric.WithDescription("Lease time remaining when the handler returned"),
		metric.WithUnit("s"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		end := time.Now()

		attrs := metric.WithAttributes(
			attribute.String("job_type", string(j.Type)),
			attribute.String("outcome", string(Classify(err))),
			attribute.Bool("retry", j.ExecutionAttempts > 1),
		)
		duration.Record(ctx, end.Sub(start).Seconds(), attrs)
		executions.Add(ctx, 1, attrs)
		if j.Lease != nil {
			headroom.Record(ctx, j.Lease.ExpiresAt.Sub(end).Seconds(), attrs)
		}
		return err
	}
}
