package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/batch/store"
)

var _ store.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPrefix overrides the key prefix. Two stores with different prefixes
// can share one Redis database.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.keys = keyspace(prefix) }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client redis.Cmdable
	owned  *redis.Client
	keys   keyspace
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, keys: defaultKeyspace, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dial connects to addr, which is either host:port or a redis:// URL,
// and returns a store that owns the client and closes it on Close.
func Dial(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	var redisOpts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("batch/redis: parse url: %w", err)
		}
		redisOpts = parsed
	} else {
		redisOpts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // best-effort cleanup after failed ping
		return nil, fmt.Errorf("batch/redis: ping: %w", err)
	}

	s := New(client, opts...)
	s.owned = client
	return s, nil
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client when the store created it through Dial.
func (s *Store) Close() error {
	if s.owned == nil {
		return nil
	}
	return s.owned.Close()
}
