// ABOUTME: Key-value store contract consumed by the registry, caches, tokens and print jobs
// ABOUTME: Hash records, TTL strings, sets and atomic write batches

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested key or hash field does not exist
var ErrNotFound = errors.New("not found")

// Store is the durable key-value store used by every store-backed component.
// Implementations: RedisStore (edge deployments), SQLiteStore (self-hosted
// runtime) and MockStore (tests).
type Store interface {
	// Hash records
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	// HGetAll returns an empty map when the key does not exist.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)

	// Strings. A zero ttl means the value never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Keys
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Batch runs fn to queue writes and applies them atomically: either every
	// queued write is applied or none is.
	Batch(ctx context.Context, fn func(tx Tx)) error

	Ping(ctx context.Context) error
	Close() error
}

// Tx queues writes inside a Batch. Writes become visible only when the batch
// commits.
type Tx interface {
	HSet(key string, fields map[string]string)
	HDel(key string, fields ...string)
	Set(key string, value []byte, ttl time.Duration)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
}
