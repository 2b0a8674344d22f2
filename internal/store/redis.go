// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: Used by horizontally scaled deployments; Batch maps to MULTI/EXEC

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for RedisStore.
type RedisConfig struct {
	Addr     string
	DB       int
	Password string
}

// RedisStore implements the Store interface on a Redis server.
type RedisStore struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})

	s := NewRedisStoreFromClient(rdb)
	if err := s.Ping(ctx); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	s.logger.Info("Redis store initialized", "addr", cfg.Addr, "db", cfg.DB)
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client, e.g. a cluster client.
func NewRedisStoreFromClient(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		logger: slog.Default().With("component", "store"),
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	s.logger.Info("closing Redis store")
	return s.rdb.Close()
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HSet(ctx, key, hashArgs(fields)...).Err(); err != nil {
		return fmt.Errorf("HSET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("HGET %s %s: %w", key, field, err)
	}
	return v, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("HGETALL %s: %w", key, err)
	}
	return m, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("HDEL %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	n, err := s.rdb.HIncrBy(ctx, key, field, incr).Result()
	if err != nil {
		return 0, fmt.Errorf("HINCRBY %s %s: %w", key, field, err)
	}
	return n, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("SET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", key, err)
	}
	return b, nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.rdb.SAdd(ctx, key, memberArgs(members)...).Err(); err != nil {
		return fmt.Errorf("SADD %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.rdb.SRem(ctx, key, memberArgs(members)...).Err(); err != nil {
		return fmt.Errorf("SREM %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("SMEMBERS %s: %w", key, err)
	}
	return members, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("DEL %v: %w", keys, err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("EXISTS %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Del(ctx, key)
	}
	if err := s.rdb.PExpire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("PEXPIRE %s: %w", key, err)
	}
	return nil
}

// Batch queues the writes in a MULTI/EXEC transaction.
func (s *RedisStore) Batch(ctx context.Context, fn func(tx Tx)) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&redisTx{ctx: ctx, pipe: pipe})
		return nil
	})
	if err != nil {
		return fmt.Errorf("executing batch: %w", err)
	}
	return nil
}

type redisTx struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (t *redisTx) HSet(key string, fields map[string]string) {
	if len(fields) > 0 {
		t.pipe.HSet(t.ctx, key, hashArgs(fields)...)
	}
}

func (t *redisTx) HDel(key string, fields ...string) {
	if len(fields) > 0 {
		t.pipe.HDel(t.ctx, key, fields...)
	}
}

func (t *redisTx) Set(key string, value []byte, ttl time.Duration) {
	t.pipe.Set(t.ctx, key, value, ttl)
}

func (t *redisTx) SAdd(key string, members ...string) {
	if len(members) > 0 {
		t.pipe.SAdd(t.ctx, key, memberArgs(members)...)
	}
}

func (t *redisTx) SRem(key string, members ...string) {
	if len(members) > 0 {
		t.pipe.SRem(t.ctx, key, memberArgs(members)...)
	}
}

func (t *redisTx) Del(keys ...string) {
	if len(keys) > 0 {
		t.pipe.Del(t.ctx, keys...)
	}
}

func (t *redisTx) Expire(key string, ttl time.Duration) {
	if ttl <= 0 {
		t.pipe.Del(t.ctx, key)
		return
	}
	t.pipe.PExpire(t.ctx, key, ttl)
}

func hashArgs(fields map[string]string) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func memberArgs(members []string) []any {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}

// Ensure RedisStore implements Store interface
var _ Store = (*RedisStore)(nil)
