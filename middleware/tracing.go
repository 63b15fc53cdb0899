package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/batch/job"
)

// tracerName is the instrumentation scope name for batch tracing.
const tracerName = "github.com/xraph/batch"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include batch.job.id, batch.job.type, batch.partner_id,
// batch.attempt and, when leased, the holder's batch.scheduler_id,
// batch.worker_id and batch.batch_index. batch.outcome is set when the
// handler returns; any outcome other than ok marks the span as an error.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		attrs := []attribute.KeyValue{
			attribute.String("batch.job.id", j.ID.String()),
			attribute.String("batch.job.type", string(j.Type)),
			attribute.Int64("batch.partner_id", j.PartnerID),
			attribute.Int("batch.attempt", j.ExecutionAttempts),
		}
		if j.Lease != nil {
			k := j.Lease.Key
			attrs = append(attrs,
				attribute.Int("batch.scheduler_id", k.SchedulerID),
				attribute.Int("batch.worker_id", k.WorkerID),
				attribute.Int("batch.batch_index", k.BatchIndex),
			)
		}

		ctx, span := tracer.Start(ctx, "batch.job.execute",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		span.SetAttributes(attribute.String("batch.outcome", string(Classify(err))))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
