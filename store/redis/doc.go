// Package redis implements store.Store on Redis for high-throughput
// deployments that can tolerate an in-memory primary.
//
// Every entity is a Hash. A per-type Set tracks unleased candidates, a
// Sorted Set scored by expiry tracks live leases, and the lease
// transitions run as Lua scripts so each is one atomic compare-and-set.
// Timestamps are stored as unix microseconds, which Lua compares exactly.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
//
// Dial builds and owns a client from an address or redis:// URL.
package redis
