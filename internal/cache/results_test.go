// ABOUTME: Tests for the result cache and input hashing
// ABOUTME: Covers TTL expiry, version checks and writes racing a republish

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airrange-io/spreadapi-gateway/internal/async"
	"github.com/airrange-io/spreadapi-gateway/internal/service"
	"github.com/airrange-io/spreadapi-gateway/internal/store"
)

func TestHashInputs_OrderIndependent(t *testing.T) {
	a, err := HashInputs(map[string]any{"a": 1.0, "b": 2.0})
	require.NoError(t, err)
	b, err := HashInputs(map[string]any{"b": 2.0, "a": 1.0})
	require.NoError(t, err)
	c, err := HashInputs(map[string]any{"a": 1.0, "b": 3.0})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	empty, err := HashInputs(nil)
	require.NoError(t, err)
	emptyMap, err := HashInputs(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, empty, emptyMap)
}

func TestHashInputs_NestedOrderIndependent(t *testing.T) {
	a, err := HashInputs(map[string]any{"opts": map[string]any{"x": 1, "y": 2}})
	require.NoError(t, err)
	b, err := HashInputs(map[string]any{"opts": map[string]any{"y": 2, "x": 1}})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func newTestResultCache(t *testing.T) (*ResultCache, *store.MockStore, *async.Pool, *testClock) {
	t.Helper()
	s := store.NewMockStore()
	clock := newTestClock()
	s.SetClock(clock.Now)
	pool := async.NewPool(1, 16, nil)
	t.Cleanup(func() { pool.Close(context.Background()) })

	c := NewResultCache(s, pool, 10*time.Minute, nil)
	c.SetClock(clock.Now)
	return c, s, pool, clock
}

func TestResultCache_SetGet(t *testing.T) {
	c, s, pool, _ := newTestResultCache(t)
	v := publishedFixture(t, s).Version()
	ctx := context.Background()
	outputs := []service.Value{{Name: "payment", Value: 42.5, Title: "Payment"}}

	_, hit, err := c.Get(ctx, "svc", v, "h1")
	require.NoError(t, err)
	assert.False(t, hit)

	c.Set("svc", v, "h1", outputs)
	pool.Wait()

	got, hit, err := c.Get(ctx, "svc", v, "h1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, outputs, got)
}

func TestResultCache_ExpiresAfterTTL(t *testing.T) {
	c, s, pool, clock := newTestResultCache(t)
	v := publishedFixture(t, s).Version()
	ctx := context.Background()

	c.Set("svc", v, "h1", []service.Value{{Name: "x", Value: 1.0}})
	pool.Wait()

	clock.Advance(9 * time.Minute)
	_, hit, err := c.Get(ctx, "svc", v, "h1")
	require.NoError(t, err)
	assert.True(t, hit)

	clock.Advance(2 * time.Minute)
	_, hit, err = c.Get(ctx, "svc", v, "h1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestResultCache_IgnoresOtherVersion(t *testing.T) {
	c, s, pool, _ := newTestResultCache(t)
	v := publishedFixture(t, s).Version()
	ctx := context.Background()

	c.Set("svc", v, "h1", []service.Value{{Name: "x", Value: 1.0}})
	pool.Wait()

	_, hit, err := c.Get(ctx, "svc", "2020-01-01T00:00:00Z|sha256/old", "h1")
	require.NoError(t, err)
	assert.False(t, hit)

	// The stale field is evicted in the background
	pool.Wait()
	fields, err := s.HGetAll(ctx, service.ResultCacheKey("svc"))
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestResultCache_SkipsUnpublishedVersion(t *testing.T) {
	c, s, pool, _ := newTestResultCache(t)
	publishedFixture(t, s)
	ctx := context.Background()

	c.Set("svc", "2020-01-01T00:00:00Z|sha256/old", "h1", []service.Value{{Name: "x", Value: 1.0}})
	c.Set("missing", "2020-01-01T00:00:00Z|sha256/old", "h1", []service.Value{{Name: "x", Value: 1.0}})
	pool.Wait()

	for _, id := range []string{"svc", "missing"} {
		exists, err := s.Exists(ctx, service.ResultCacheKey(id))
		require.NoError(t, err)
		assert.False(t, exists, id)
	}
}

func TestResultCache_QueuedWriteDoesNotSurviveRepublish(t *testing.T) {
	c, s, pool, _ := newTestResultCache(t)
	old := publishedFixture(t, s)
	ctx := context.Background()

	// Hold the single worker so the write is still queued when the
	// service is republished.
	release := make(chan struct{})
	pool.Submit("hold", func(context.Context) error {
		<-release
		return nil
	})
	c.Set("svc", old.Version(), "h1", []service.Value{{Name: "x", Value: 1.0}})

	reg := service.NewRegistry(s, nil, nil)
	fresh, err := reg.Publish(ctx, "svc", service.Definition{}, "sha256/def")
	require.NoError(t, err)
	require.NotEqual(t, old.Version(), fresh.Version())

	close(release)
	pool.Wait()

	exists, err := s.Exists(ctx, service.ResultCacheKey("svc"))
	require.NoError(t, err)
	assert.False(t, exists)
	_, hit, err := c.Get(ctx, "svc", old.Version(), "h1")
	require.NoError(t, err)
	assert.False(t, hit)
}

// republishingStore republishes the service just before the first cache
// batch lands, after the version check has already passed.
type republishingStore struct {
	store.Store
	reg  *service.Registry
	done bool
}

func (s *republishingStore) Batch(ctx context.Context, fn func(tx store.Tx)) error {
	if !s.done {
		s.done = true
		if _, err := s.reg.Publish(ctx, "svc", service.Definition{}, "sha256/def"); err != nil {
			return err
		}
	}
	return s.Store.Batch(ctx, fn)
}

func TestResultCache_WriteRacingRepublishIsUndone(t *testing.T) {
	inner := store.NewMockStore()
	old := publishedFixture(t, inner)
	rs := &republishingStore{Store: inner, reg: service.NewRegistry(inner, nil, nil)}
	c := NewResultCache(rs, nil, 10*time.Minute, nil)
	ctx := context.Background()

	c.Set("svc", old.Version(), "h1", []service.Value{{Name: "x", Value: 1.0}})
	require.True(t, rs.done)

	fields, err := inner.HGetAll(ctx, service.ResultCacheKey("svc"))
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestResultCache_FlushRemovesAllEntries(t *testing.T) {
	c, s, pool, _ := newTestResultCache(t)
	v := publishedFixture(t, s).Version()
	ctx := context.Background()

	c.Set("svc", v, "h1", []service.Value{{Name: "x", Value: 1.0}})
	c.Set("svc", v, "h2", []service.Value{{Name: "x", Value: 2.0}})
	pool.Wait()

	require.NoError(t, c.Flush(ctx, "svc"))
	for _, h := range []string{"h1", "h2"} {
		_, hit, err := c.Get(ctx, "svc", v, h)
		require.NoError(t, err)
		assert.False(t, hit)
	}
}

func TestResultCache_WriteFailureIsSwallowed(t *testing.T) {
	c, s, pool, _ := newTestResultCache(t)
	v := publishedFixture(t, s).Version()
	s.Fail(store.ErrInjected)

	c.Set("svc", v, "h1", []service.Value{{Name: "x", Value: 1.0}})
	pool.Wait()
	assert.Equal(t, int64(1), pool.Failed())

	_, _, err := c.Get(context.Background(), "svc", v, "h1")
	assert.ErrorIs(t, err, store.ErrInjected)
}

func TestNewResultCache_ClampsTTL(t *testing.T) {
	s := store.NewMockStore()
	assert.Equal(t, DefaultResultTTL, NewResultCache(s, nil, 0, nil).TTL())
	assert.Equal(t, MinResultTTL, NewResultCache(s, nil, time.Minute, nil).TTL())
	assert.Equal(t, MaxResultTTL, NewResultCache(s, nil, time.Hour, nil).TTL())
}
