package store

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T, clock *fakeClock) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	store.now = clock.Now

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// forEachStore runs the same contract test against every local implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store, clock *fakeClock)) {
	t.Run("sqlite", func(t *testing.T) {
		clock := newFakeClock()
		fn(t, setupTestStore(t, clock), clock)
	})
	t.Run("mock", func(t *testing.T) {
		clock := newFakeClock()
		m := NewMockStore()
		m.SetClock(clock.Now)
		fn(t, m, clock)
	})
}

func TestStore_Hashes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()

		require.NoError(t, s.HSet(ctx, "service:abc", map[string]string{
			"name":   "Mortgage",
			"userId": "u1",
		}))

		name, err := s.HGet(ctx, "service:abc", "name")
		require.NoError(t, err)
		assert.Equal(t, "Mortgage", name)

		_, err = s.HGet(ctx, "service:abc", "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.HGet(ctx, "service:none", "name")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.HSet(ctx, "service:abc", map[string]string{"name": "Loan"}))
		all, err := s.HGetAll(ctx, "service:abc")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"name": "Loan", "userId": "u1"}, all)

		require.NoError(t, s.HDel(ctx, "service:abc", "name"))
		all, err = s.HGetAll(ctx, "service:abc")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"userId": "u1"}, all)

		missing, err := s.HGetAll(ctx, "service:none")
		require.NoError(t, err)
		assert.NotNil(t, missing)
		assert.Empty(t, missing)
	})
}

func TestStore_HIncrBy(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()

		n, err := s.HIncrBy(ctx, "token:1", "requests", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = s.HIncrBy(ctx, "token:1", "requests", 5)
		require.NoError(t, err)
		assert.Equal(t, int64(6), n)

		v, err := s.HGet(ctx, "token:1", "requests")
		require.NoError(t, err)
		assert.Equal(t, "6", v)

		require.NoError(t, s.HSet(ctx, "token:1", map[string]string{"name": "ci"}))
		_, err = s.HIncrBy(ctx, "token:1", "name", 1)
		assert.Error(t, err)
	})
}

func TestStore_StringsWithTTL(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "cache:api:x", []byte(`{"a":1}`), time.Minute))
		require.NoError(t, s.Set(ctx, "forever", []byte("v"), 0))

		got, err := s.Get(ctx, "cache:api:x")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(got))

		clock.Advance(59 * time.Second)
		_, err = s.Get(ctx, "cache:api:x")
		require.NoError(t, err)

		clock.Advance(2 * time.Second)
		_, err = s.Get(ctx, "cache:api:x")
		assert.ErrorIs(t, err, ErrNotFound)

		exists, err := s.Exists(ctx, "cache:api:x")
		require.NoError(t, err)
		assert.False(t, exists)

		clock.Advance(24 * time.Hour)
		got, err = s.Get(ctx, "forever")
		require.NoError(t, err)
		assert.Equal(t, "v", string(got))
	})
}

func TestStore_SetWithoutTTLClearsExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "k", []byte("1"), time.Second))
		require.NoError(t, s.Set(ctx, "k", []byte("2"), 0))

		clock.Advance(time.Hour)
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "2", string(got))
	})
}

func TestStore_Expire(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()

		require.NoError(t, s.HSet(ctx, "cache:results:svc", map[string]string{"h1": "{}"}))
		require.NoError(t, s.Expire(ctx, "cache:results:svc", 10*time.Minute))

		// Expire on a missing key is a no-op
		require.NoError(t, s.Expire(ctx, "nothing", time.Minute))
		exists, err := s.Exists(ctx, "nothing")
		require.NoError(t, err)
		assert.False(t, exists)

		clock.Advance(9 * time.Minute)
		v, err := s.HGet(ctx, "cache:results:svc", "h1")
		require.NoError(t, err)
		assert.Equal(t, "{}", v)

		clock.Advance(2 * time.Minute)
		all, err := s.HGetAll(ctx, "cache:results:svc")
		require.NoError(t, err)
		assert.Empty(t, all)

		// Writing to an expired hash starts from scratch
		require.NoError(t, s.HSet(ctx, "cache:results:svc", map[string]string{"h2": "{}"}))
		all, err = s.HGetAll(ctx, "cache:results:svc")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"h2": "{}"}, all)

		clock.Advance(time.Hour)
		all, err = s.HGetAll(ctx, "cache:results:svc")
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestStore_Sets(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()

		require.NoError(t, s.SAdd(ctx, "user:u1:tokens", "a", "b", "c"))
		require.NoError(t, s.SAdd(ctx, "user:u1:tokens", "a"))
		require.NoError(t, s.SRem(ctx, "user:u1:tokens", "b"))

		members, err := s.SMembers(ctx, "user:u1:tokens")
		require.NoError(t, err)
		sort.Strings(members)
		assert.Equal(t, []string{"a", "c"}, members)

		members, err = s.SMembers(ctx, "user:nobody:tokens")
		require.NoError(t, err)
		assert.Empty(t, members)
	})
}

func TestStore_Del(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
		require.NoError(t, s.HSet(ctx, "b", map[string]string{"f": "v"}))
		require.NoError(t, s.SAdd(ctx, "c", "m"))

		require.NoError(t, s.Del(ctx, "a", "b", "c", "never-existed"))

		for _, key := range []string{"a", "b", "c"} {
			exists, err := s.Exists(ctx, key)
			require.NoError(t, err)
			assert.False(t, exists, key)
		}
	})
}

func TestStore_BatchAppliesAllWrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()

		require.NoError(t, s.HSet(ctx, "service:x:published", map[string]string{"title": "X"}))
		require.NoError(t, s.Set(ctx, "cache:api:x", []byte("{}"), time.Hour))
		require.NoError(t, s.HSet(ctx, "user:u1:services", map[string]string{"x": "published"}))

		err := s.Batch(ctx, func(tx Tx) {
			tx.Del("service:x:published", "cache:api:x", "cache:results:x")
			tx.HSet("user:u1:services", map[string]string{"x": "draft"})
		})
		require.NoError(t, err)

		exists, err := s.Exists(ctx, "service:x:published")
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = s.Get(ctx, "cache:api:x")
		assert.ErrorIs(t, err, ErrNotFound)

		status, err := s.HGet(ctx, "user:u1:services", "x")
		require.NoError(t, err)
		assert.Equal(t, "draft", status)
	})
}

func TestStore_BatchSetThenExpire(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()

		err := s.Batch(ctx, func(tx Tx) {
			tx.HSet("h", map[string]string{"f": "v"})
			tx.Expire("h", time.Minute)
		})
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		exists, err := s.Exists(ctx, "h")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestMockStore_Fail(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()

	m.Fail(ErrInjected)
	assert.ErrorIs(t, m.Ping(ctx), ErrInjected)
	assert.ErrorIs(t, m.Set(ctx, "k", []byte("v"), 0), ErrInjected)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrInjected)

	m.Fail(nil)
	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	assert.Equal(t, 1, m.Keys())
}

func TestMockStore_TTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMockStore()
	m.SetClock(clock.Now)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Hour))
	assert.Equal(t, time.Hour, m.TTL("k"))

	clock.Advance(15 * time.Minute)
	assert.Equal(t, 45*time.Minute, m.TTL("k"))
	assert.Equal(t, time.Duration(0), m.TTL("missing"))
}
