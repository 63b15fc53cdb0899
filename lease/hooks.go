package lease

import (
	"context"

	"github.com/xraph/batch/job"
)

// Hooks receives lease lifecycle notifications. Implementations must not
// block; the ext registry adapts its extensions to this interface.
type Hooks interface {
	JobClaimed(ctx context.Context, j *job.Job)
	JobUpdated(ctx context.Context, j *job.Job)
	JobFreed(ctx context.Context, j *job.Job)
	JobRetrying(ctx context.Context, j *job.Job)
	JobFatal(ctx context.Context, j *job.Job)
}

type noopHooks struct{}

func (noopHooks) JobClaimed(context.Context, *job.Job)  {}
func (noopHooks) JobUpdated(context.Context, *job.Job)  {}
func (noopHooks) JobFreed(context.Context, *job.Job)    {}
func (noopHooks) JobRetrying(context.Context, *job.Job) {}
func (noopHooks) JobFatal(context.Context, *job.Job)    {}
