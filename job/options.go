package job

import "time"

// Options configures how the engine treats a job type.
type Options struct {
	// MaxAttempts is the attempt ceiling. Zero defers to the engine default.
	MaxAttempts int

	// MaxExecutionTime is the lease duration used when a claim does not
	// specify one. Zero defers to the engine default.
	MaxExecutionTime time.Duration

	// LoadWeight scales this type's contribution to partner weighted load.
	LoadWeight float64

	// Codec encodes typed payloads.
	Codec Codec
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		LoadWeight: 1,
		Codec:      JSONCodec{},
	}
}

// Option is a functional option for configuring a job type.
type Option func(*Options)

// WithMaxAttempts sets the attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithMaxExecutionTime sets the default lease duration.
func WithMaxExecutionTime(d time.Duration) Option {
	return func(o *Options) {
		o.MaxExecutionTime = d
	}
}

// WithLoadWeight sets the fairness weight of one leased job of this type.
func WithLoadWeight(w float64) Option {
	return func(o *Options) {
		o.LoadWeight = w
	}
}

// WithCodec sets the payload codec.
func WithCodec(c Codec) Option {
	return func(o *Options) {
		o.Codec = c
	}
}

// SubmitOptions describe a job at creation time.
type SubmitOptions struct {
	PartnerID   int64
	Priority    int
	ParentJobID string
	ObjectID    string
	RunAt       time.Time
}

// SubmitOption configures a job at creation time.
type SubmitOption func(*SubmitOptions)

// ForPartner sets the owning partner.
func ForPartner(partnerID int64) SubmitOption {
	return func(o *SubmitOptions) { o.PartnerID = partnerID }
}

// WithPriority sets the priority. Higher values are claimed first.
func WithPriority(p int) SubmitOption {
	return func(o *SubmitOptions) { o.Priority = p }
}

// WithParent attaches the job under an existing parent job.
func WithParent(parentJobID string) SubmitOption {
	return func(o *SubmitOptions) { o.ParentJobID = parentJobID }
}

// WithObjectID sets the target object key.
func WithObjectID(objectID string) SubmitOption {
	return func(o *SubmitOptions) { o.ObjectID = objectID }
}

// WithRunAt delays the first claim until t.
func WithRunAt(t time.Time) SubmitOption {
	return func(o *SubmitOptions) { o.RunAt = t }
}
