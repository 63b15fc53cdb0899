// Package worker provides the batch-process runtime: an Executor that
// invokes registered handlers through middleware and settles the lease,
// and a Pool whose slots claim and execute jobs one at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/batch/ext"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/lease"
	"github.com/xraph/batch/middleware"
)

// ErrNoHandler is returned when a claimed job's type has no in-process
// handler registered.
var ErrNoHandler = errors.New("worker: no handler registered")

// Leaser is the lease surface a batch process needs. *engine.Engine
// satisfies it in process and *client.Client over the network.
type Leaser interface {
	ClaimJobs(ctx context.Context, key job.LockKey, maxExecutionTime time.Duration, count int, filter job.Filter, jobType job.Type) ([]*job.Job, error)
	FreeJob(ctx context.Context, jobID id.JobID, key job.LockKey, jobType job.Type, resetAttempts bool, opts ...lease.FreeOption) (*lease.FreeResult, error)
}

// Executor runs a single leased job through middleware and its handler,
// then frees the lease with the outcome.
type Executor struct {
	registry    *job.Registry
	extensions  *ext.Registry
	leaser      Leaser
	maxAttempts int
	mw          middleware.Middleware
	logger      *slog.Logger
}

// NewExecutor creates an Executor. maxAttempts is the ceiling used for
// types that declare none.
func NewExecutor(
	registry *job.Registry,
	extensions *ext.Registry,
	leaser Leaser,
	maxAttempts int,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if extensions == nil {
		extensions = ext.NewRegistry(logger)
	}
	return &Executor{
		registry:    registry,
		extensions:  extensions,
		leaser:      leaser,
		maxAttempts: maxAttempts,
		mw:          middleware.Chain(mws...),
		logger:      logger,
	}
}

// Execute runs j, which key must hold, and frees it.
// On success the job is freed FINISHED. On failure it is freed RETRY, or
// FATAL when the error is permanent or the attempts are exhausted. The
// handler error is returned after the free.
func (e *Executor) Execute(ctx context.Context, j *job.Job, key job.LockKey) error {
	desc, ok := e.registry.Lookup(j.Type)
	if !ok || desc.Handler == nil {
		// Another process may serve this type; give the lease back untouched.
		msg := fmt.Sprintf("no handler for job type %q on this process", j.Type)
		if _, err := e.leaser.FreeJob(context.WithoutCancel(ctx), j.ID, key, j.Type, false, lease.WithMessage(msg)); err != nil {
			e.logger.Error("failed to free unhandled job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return fmt.Errorf("%w for job type %q", ErrNoHandler, j.Type)
	}

	start := time.Now()
	terminal := func(ctx context.Context) error {
		return desc.Handler(ctx, j)
	}
	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	e.extensions.EmitJobExecuted(ctx, j, elapsed, err)

	if err == nil {
		return e.settle(ctx, j, key, job.StatusFinished, "")
	}

	status := job.StatusRetry
	if job.IsPermanent(err) || j.ExecutionAttempts >= e.registry.MaxAttempts(j.Type, e.maxAttempts) {
		status = job.StatusFatal
	}
	if settleErr := e.settle(ctx, j, key, status, err.Error()); settleErr != nil {
		return errors.Join(err, settleErr)
	}

	e.logger.Info("job execution failed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
		slog.Int("attempt", j.ExecutionAttempts),
		slog.String("status", string(status)),
		slog.String("error", err.Error()),
	)
	return err
}

func (e *Executor) settle(ctx context.Context, j *job.Job, key job.LockKey, status job.Status, msg string) error {
	opts := []lease.FreeOption{lease.WithStatus(status)}
	if msg != "" {
		opts = append(opts, lease.WithMessage(msg))
	}
	// The slot may be shutting down; the outcome must still reach the store.
	res, err := e.leaser.FreeJob(context.WithoutCancel(ctx), j.ID, key, j.Type, false, opts...)
	if err != nil {
		e.logger.Error("failed to free job",
			slog.String("job_id", j.ID.String()),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("free job %s: %w", j.ID, err)
	}
	*j = *res.Job
	return nil
}
