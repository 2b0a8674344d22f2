// ABOUTME: Store-backed cache of published service definitions
// ABOUTME: Entries carry their own creation time and TTL and are written asynchronously

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/airrange-io/spreadapi-gateway/internal/async"
	"github.com/airrange-io/spreadapi-gateway/internal/service"
	"github.com/airrange-io/spreadapi-gateway/internal/store"
)

// Definition cache TTLs per deployment shape
const (
	DefinitionTTLEdge       = 30 * time.Minute
	DefinitionTTLSelfHosted = 24 * time.Hour
)

// entry is the stored envelope shared by the definition and result tiers.
// It is valid iff now - Created < TTL.
type entry struct {
	Created time.Time       `json:"created"`
	TTL     int64           `json:"ttl"` // milliseconds
	Version string          `json:"version,omitempty"`
	Value   json.RawMessage `json:"value"`
}

func (e *entry) valid(now time.Time) bool {
	return now.Sub(e.Created) < time.Duration(e.TTL)*time.Millisecond
}

// DefinitionCache caches the published record a service executes against.
type DefinitionCache struct {
	store  store.Store
	pool   *async.Pool
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewDefinitionCache creates the cache. A nil pool writes synchronously.
func NewDefinitionCache(s store.Store, pool *async.Pool, ttl time.Duration, logger *slog.Logger) *DefinitionCache {
	if ttl <= 0 {
		ttl = DefinitionTTLEdge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DefinitionCache{
		store:  s,
		pool:   pool,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "definition_cache"),
	}
}

// SetClock replaces the clock, for tests.
func (c *DefinitionCache) SetClock(now func() time.Time) { c.now = now }

// Get returns the cached definition. A miss or an expired entry is not an
// error; store failures are.
func (c *DefinitionCache) Get(ctx context.Context, serviceID string) (*service.Published, bool, error) {
	raw, err := c.store.Get(ctx, service.DefinitionCacheKey(serviceID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading definition cache: %w", err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("discarding corrupt definition cache entry", "service_id", serviceID, "error", err)
		return nil, false, nil
	}
	if !e.valid(c.now()) {
		return nil, false, nil
	}

	var pub service.Published
	if err := json.Unmarshal(e.Value, &pub); err != nil {
		c.logger.Warn("discarding corrupt definition cache entry", "service_id", serviceID, "error", err)
		return nil, false, nil
	}
	pub.ID = serviceID
	return &pub, true, nil
}

// Set writes the definition in the background. The write only lands while
// pub is still the published version; an entry that lost a race with a
// republish or unpublish is removed again.
func (c *DefinitionCache) Set(pub *service.Published) {
	value, err := json.Marshal(pub)
	if err != nil {
		c.logger.Warn("encoding definition failed", "service_id", pub.ID, "error", err)
		return
	}
	version := pub.Version()
	raw, err := json.Marshal(entry{
		Created: c.now().UTC(),
		TTL:     c.ttl.Milliseconds(),
		Version: version,
		Value:   value,
	})
	if err != nil {
		c.logger.Warn("encoding definition entry failed", "service_id", pub.ID, "error", err)
		return
	}

	serviceID := pub.ID
	key := service.DefinitionCacheKey(serviceID)
	run(c.pool, c.logger, "definition-cache-set", func(ctx context.Context) error {
		return guardedWrite(ctx, c.store, serviceID, version,
			func() error { return c.store.Set(ctx, key, raw, c.ttl) },
			func() error { return c.store.Del(ctx, key) },
		)
	})
}

// guardedWrite runs write only while version is the service's published
// version, and runs undo if a publish landed while writing. Publish and
// unpublish flush the caches in their batch, so a write that completes
// before the batch is flushed by it and one that completes after is undone.
func guardedWrite(ctx context.Context, s store.Store, serviceID, version string, write, undo func() error) error {
	current, err := service.CurrentVersion(ctx, s, serviceID)
	if err != nil {
		return err
	}
	if current != version {
		return nil
	}
	if err := write(); err != nil {
		return err
	}

	current, err = service.CurrentVersion(ctx, s, serviceID)
	if err != nil {
		return err
	}
	if current != version {
		return undo()
	}
	return nil
}

// Delete removes the cached definition.
func (c *DefinitionCache) Delete(ctx context.Context, serviceID string) error {
	return c.store.Del(ctx, service.DefinitionCacheKey(serviceID))
}

// run submits fn to the pool, or runs it inline when there is none.
func run(pool *async.Pool, logger *slog.Logger, name string, fn async.Task) {
	if pool != nil {
		pool.Submit(name, fn)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("cache write failed", "task", name, "error", err)
	}
}
