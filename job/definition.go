package job

import (
	"context"
	"fmt"
)

// Definition is a typed job type with an optional in-process handler.
// T is the payload type; it must be encodable by the configured codec.
type Definition[T any] struct {
	// Type is the registered job type.
	Type Type

	// Handler processes the decoded payload. It may be nil for types
	// executed only by remote batch processes.
	Handler func(ctx context.Context, payload T) error

	// Opts configures attempts, lease duration, load weight, and codec.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](t Type, handler func(ctx context.Context, payload T) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Type:    t,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

// Encode encodes payload with the definition's codec.
func (d *Definition[T]) Encode(payload T) ([]byte, error) {
	data, err := d.Opts.Codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for job type %q: %w", d.Type, err)
	}
	return data, nil
}

// Decode decodes a stored payload with the definition's codec.
func (d *Definition[T]) Decode(data []byte) (T, error) {
	var t T
	if len(data) == 0 {
		return t, nil
	}
	if err := d.Opts.Codec.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("decode payload for job type %q: %w", d.Type, err)
	}
	return t, nil
}
