package job

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HandlerFunc is a type-erased handler. The typed Definition[T] is
// converted to a HandlerFunc at registration time by closing over the
// payload decode and the typed handler.
type HandlerFunc func(ctx context.Context, j *Job) error

// Descriptor is everything the engine knows about a job type.
type Descriptor struct {
	Type             Type
	MaxAttempts      int
	MaxExecutionTime time.Duration
	LoadWeight       float64
	Codec            Codec
	Handler          HandlerFunc
}

// Registry maps job types to descriptors. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[Type]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[Type]Descriptor)}
}

// Register adds or replaces a descriptor. Missing weight and codec are
// filled with defaults.
func (r *Registry) Register(d Descriptor) {
	if d.LoadWeight <= 0 {
		d.LoadWeight = 1
	}
	if d.Codec == nil {
		d.Codec = JSONCodec{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[d.Type] = d
}

// RegisterType registers a handler-less type served by remote batch
// processes.
func (r *Registry) RegisterType(t Type, opts ...Option) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	r.Register(descriptorFrom(t, o, nil))
}

// RegisterDefinition registers a typed definition. This is a package-level
// generic function because Go does not allow generic methods on
// non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	var handler HandlerFunc
	if def.Handler != nil {
		handler = func(ctx context.Context, j *Job) error {
			payload, err := def.Decode(j.Payload)
			if err != nil {
				return Permanent(err)
			}
			return def.Handler(ctx, payload)
		}
	}
	r.Register(descriptorFrom(def.Type, def.Opts, handler))
}

func descriptorFrom(t Type, o Options, h HandlerFunc) Descriptor {
	return Descriptor{
		Type:             t,
		MaxAttempts:      o.MaxAttempts,
		MaxExecutionTime: o.MaxExecutionTime,
		LoadWeight:       o.LoadWeight,
		Codec:            o.Codec,
		Handler:          h,
	}
}

// Lookup returns the descriptor for t.
func (r *Registry) Lookup(t Type) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[t]
	return d, ok
}

// MaxAttempts returns the attempt ceiling for t, or fallback when the type
// is unknown or declares none.
func (r *Registry) MaxAttempts(t Type, fallback int) int {
	if d, ok := r.Lookup(t); ok && d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return fallback
}

// MaxExecutionTime returns the lease duration for t, or fallback.
func (r *Registry) MaxExecutionTime(t Type, fallback time.Duration) time.Duration {
	if d, ok := r.Lookup(t); ok && d.MaxExecutionTime > 0 {
		return d.MaxExecutionTime
	}
	return fallback
}

// LoadWeight returns the fairness weight for t, defaulting to 1.
func (r *Registry) LoadWeight(t Type) float64 {
	if d, ok := r.Lookup(t); ok && d.LoadWeight > 0 {
		return d.LoadWeight
	}
	return 1
}

// Types returns all registered types in sorted order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
