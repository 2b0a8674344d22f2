// ABOUTME: Store-backed cache of calculation results keyed by a hash of the inputs
// ABOUTME: One store hash per service so a whole service can be flushed with one delete

package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"

	"github.com/airrange-io/spreadapi-gateway/internal/async"
	"github.com/airrange-io/spreadapi-gateway/internal/service"
	"github.com/airrange-io/spreadapi-gateway/internal/store"
)

// Result cache TTL bounds
const (
	MinResultTTL     = 5 * time.Minute
	MaxResultTTL     = 15 * time.Minute
	DefaultResultTTL = 10 * time.Minute
)

// HashInputs returns the hex BLAKE3 digest of inputs in canonical form.
// encoding/json writes map keys in sorted order at every depth, so logically
// equal inputs hash the same regardless of submission order.
func HashInputs(inputs map[string]any) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	canonical, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("encoding inputs: %w", err)
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ResultCache maps (serviceID, input hash) to the outputs last computed.
type ResultCache struct {
	store  store.Store
	pool   *async.Pool
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewResultCache creates the cache. ttl is clamped to [MinResultTTL, MaxResultTTL].
func NewResultCache(s store.Store, pool *async.Pool, ttl time.Duration, logger *slog.Logger) *ResultCache {
	switch {
	case ttl == 0:
		ttl = DefaultResultTTL
	case ttl < MinResultTTL:
		ttl = MinResultTTL
	case ttl > MaxResultTTL:
		ttl = MaxResultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultCache{
		store:  s,
		pool:   pool,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "result_cache"),
	}
}

// SetClock replaces the clock, for tests.
func (c *ResultCache) SetClock(now func() time.Time) { c.now = now }

// TTL returns the effective entry lifetime.
func (c *ResultCache) TTL() time.Duration { return c.ttl }

// Get returns cached outputs for the input hash. Entries written for another
// published version, or older than the TTL, are misses.
func (c *ResultCache) Get(ctx context.Context, serviceID, version, hash string) ([]service.Value, bool, error) {
	raw, err := c.store.HGet(ctx, service.ResultCacheKey(serviceID), hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading result cache: %w", err)
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.logger.Warn("discarding corrupt result cache entry", "service_id", serviceID, "error", err)
		c.evict(serviceID, hash)
		return nil, false, nil
	}
	if e.Version != version || !e.valid(c.now()) {
		c.evict(serviceID, hash)
		return nil, false, nil
	}

	var outputs []service.Value
	if err := json.Unmarshal(e.Value, &outputs); err != nil {
		c.evict(serviceID, hash)
		return nil, false, nil
	}
	return outputs, true, nil
}

// Set stores outputs in the background and refreshes the hash's store TTL.
// Outputs of a version that is no longer published are not written.
func (c *ResultCache) Set(serviceID, version, hash string, outputs []service.Value) {
	value, err := json.Marshal(outputs)
	if err != nil {
		c.logger.Warn("encoding outputs failed", "service_id", serviceID, "error", err)
		return
	}
	raw, err := json.Marshal(entry{
		Created: c.now().UTC(),
		TTL:     c.ttl.Milliseconds(),
		Version: version,
		Value:   value,
	})
	if err != nil {
		c.logger.Warn("encoding result entry failed", "service_id", serviceID, "error", err)
		return
	}

	key := service.ResultCacheKey(serviceID)
	run(c.pool, c.logger, "result-cache-set", func(ctx context.Context) error {
		return guardedWrite(ctx, c.store, serviceID, version,
			func() error {
				return c.store.Batch(ctx, func(tx store.Tx) {
					tx.HSet(key, map[string]string{hash: string(raw)})
					tx.Expire(key, c.ttl)
				})
			},
			func() error { return c.store.HDel(ctx, key, hash) },
		)
	})
}

// Flush removes every cached result of a service.
func (c *ResultCache) Flush(ctx context.Context, serviceID string) error {
	return c.store.Del(ctx, service.ResultCacheKey(serviceID))
}

func (c *ResultCache) evict(serviceID, hash string) {
	run(c.pool, c.logger, "result-cache-evict", func(ctx context.Context) error {
		return c.store.HDel(ctx, service.ResultCacheKey(serviceID), hash)
	})
}
