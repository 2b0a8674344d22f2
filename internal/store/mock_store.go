// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory hashes, strings and sets with a controllable clock

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	strings map[string][]byte
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time
	now     func() time.Time

	// FailWith makes every subsequent call return this error when non-nil.
	FailWith error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		strings: make(map[string][]byte),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		expiry:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for expiry decisions.
func (m *MockStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Fail makes every subsequent call return err; pass nil to recover.
func (m *MockStore) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailWith = err
}

// TTL returns the remaining lifetime of a key, or zero when it has none.
func (m *MockStore) TTL(key string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.expiry[key]
	if !ok {
		return 0
	}
	return exp.Sub(m.now())
}

// Keys returns the number of live keys, for assertions in tests.
func (m *MockStore) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, key := range m.allKeys() {
		if m.liveLocked(key) {
			n++
		}
	}
	return n
}

func (m *MockStore) allKeys() []string {
	keys := make([]string, 0, len(m.strings)+len(m.hashes)+len(m.sets))
	for k := range m.strings {
		keys = append(keys, k)
	}
	for k := range m.hashes {
		keys = append(keys, k)
	}
	for k := range m.sets {
		keys = append(keys, k)
	}
	return keys
}

// liveLocked drops the key if it has expired and reports whether it still exists.
// Caller must hold the write lock.
func (m *MockStore) liveLocked(key string) bool {
	if exp, ok := m.expiry[key]; ok && !m.now().Before(exp) {
		m.deleteLocked(key)
		return false
	}
	_, s := m.strings[key]
	_, h := m.hashes[key]
	_, st := m.sets[key]
	return s || h || st
}

func (m *MockStore) deleteLocked(key string) {
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.expiry, key)
}

func (m *MockStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	return m.Batch(ctx, func(tx Tx) { tx.HSet(key, fields) })
}

func (m *MockStore) HGet(ctx context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return "", m.FailWith
	}

	if !m.liveLocked(key) {
		return "", ErrNotFound
	}
	v, ok := m.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MockStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}

	out := make(map[string]string)
	if !m.liveLocked(key) {
		return out, nil
	}
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MockStore) HDel(ctx context.Context, key string, fields ...string) error {
	return m.Batch(ctx, func(tx Tx) { tx.HDel(key, fields...) })
}

func (m *MockStore) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return 0, m.FailWith
	}

	m.liveLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}

	var n int64
	if cur, ok := h[field]; ok {
		parsed, err := strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("hash field %s/%s is not an integer: %w", key, field, err)
		}
		n = parsed
	}
	n += incr
	h[field] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *MockStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.Batch(ctx, func(tx Tx) { tx.Set(key, value, ttl) })
}

func (m *MockStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}

	if !m.liveLocked(key) {
		return nil, ErrNotFound
	}
	v, ok := m.strings[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MockStore) SAdd(ctx context.Context, key string, members ...string) error {
	return m.Batch(ctx, func(tx Tx) { tx.SAdd(key, members...) })
}

func (m *MockStore) SRem(ctx context.Context, key string, members ...string) error {
	return m.Batch(ctx, func(tx Tx) { tx.SRem(key, members...) })
}

func (m *MockStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}

	if !m.liveLocked(key) {
		return nil, nil
	}
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

func (m *MockStore) Del(ctx context.Context, keys ...string) error {
	return m.Batch(ctx, func(tx Tx) { tx.Del(keys...) })
}

func (m *MockStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	return m.liveLocked(key), nil
}

func (m *MockStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return m.Batch(ctx, func(tx Tx) { tx.Expire(key, ttl) })
}

// Batch applies every queued write under a single lock acquisition.
func (m *MockStore) Batch(ctx context.Context, fn func(tx Tx)) error {
	tx := &mockTx{}
	fn(tx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, op := range tx.ops {
		op(m)
	}
	return nil
}

func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.FailWith
}

func (m *MockStore) Close() error {
	return nil
}

// mockTx records writes as closures applied by Batch.
type mockTx struct {
	ops []func(m *MockStore)
}

func (t *mockTx) HSet(key string, fields map[string]string) {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	t.ops = append(t.ops, func(m *MockStore) {
		m.liveLocked(key)
		h, ok := m.hashes[key]
		if !ok {
			h = make(map[string]string)
			m.hashes[key] = h
		}
		for k, v := range copied {
			h[k] = v
		}
	})
}

func (t *mockTx) HDel(key string, fields ...string) {
	t.ops = append(t.ops, func(m *MockStore) {
		h, ok := m.hashes[key]
		if !ok {
			return
		}
		for _, f := range fields {
			delete(h, f)
		}
		if len(h) == 0 {
			m.deleteLocked(key)
		}
	})
}

func (t *mockTx) Set(key string, value []byte, ttl time.Duration) {
	copied := append([]byte(nil), value...)
	t.ops = append(t.ops, func(m *MockStore) {
		m.deleteLocked(key)
		m.strings[key] = copied
		if ttl > 0 {
			m.expiry[key] = m.now().Add(ttl)
		}
	})
}

func (t *mockTx) SAdd(key string, members ...string) {
	t.ops = append(t.ops, func(m *MockStore) {
		m.liveLocked(key)
		s, ok := m.sets[key]
		if !ok {
			s = make(map[string]struct{})
			m.sets[key] = s
		}
		for _, member := range members {
			s[member] = struct{}{}
		}
	})
}

func (t *mockTx) SRem(key string, members ...string) {
	t.ops = append(t.ops, func(m *MockStore) {
		s, ok := m.sets[key]
		if !ok {
			return
		}
		for _, member := range members {
			delete(s, member)
		}
		if len(s) == 0 {
			m.deleteLocked(key)
		}
	})
}

func (t *mockTx) Del(keys ...string) {
	t.ops = append(t.ops, func(m *MockStore) {
		for _, key := range keys {
			m.deleteLocked(key)
		}
	})
}

func (t *mockTx) Expire(key string, ttl time.Duration) {
	t.ops = append(t.ops, func(m *MockStore) {
		if ttl <= 0 {
			m.deleteLocked(key)
			return
		}
		if m.liveLocked(key) {
			m.expiry[key] = m.now().Add(ttl)
		}
	})
}

// ErrInjected is a convenience error for tests that simulate store outages.
var ErrInjected = errors.New("injected store failure")

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
