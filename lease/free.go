package lease

import "github.com/xraph/batch/job"

// FreeOption adjusts how a free settles a job.
type FreeOption func(*FreeOptions)

// WithStatus sets the final status of the freed job.
func WithStatus(s job.Status) FreeOption {
	return func(o *FreeOptions) { o.Status = s }
}

// WithMessage replaces the job message on free.
func WithMessage(msg string) FreeOption {
	return func(o *FreeOptions) { o.Message = &msg }
}

// FreeResult is what a free reports back to the former holder.
type FreeResult struct {
	Job     *job.Job `json:"job"`
	JobType job.Type `json:"job_type"`
	// QueueSize is the remaining queue size for JobType after the free.
	QueueSize int64 `json:"queue_size"`
}

// NewFreeOptions folds opts over the required fields of a free.
func NewFreeOptions(jobType job.Type, resetAttempts bool, opts ...FreeOption) FreeOptions {
	o := FreeOptions{Type: jobType, ResetAttempts: resetAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
