// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers file creation, persistence across reopen, and expiry sweeping

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created in the nested directory
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.HSet(ctx, "service:a", map[string]string{"name": "A"}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	name, err := reopened.HGet(ctx, "service:a", "name")
	require.NoError(t, err)
	assert.Equal(t, "A", name)
}

func TestSQLiteStore_SweepExpired(t *testing.T) {
	clock := newFakeClock()
	store := setupTestStore(t, clock)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "printjob:1", []byte("{}"), time.Minute))
	require.NoError(t, store.HSet(ctx, "cache:results:s", map[string]string{"h": "{}"}))
	require.NoError(t, store.Expire(ctx, "cache:results:s", time.Minute))
	require.NoError(t, store.Set(ctx, "printjob:2", []byte("{}"), time.Hour))

	removed, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	clock.Advance(2 * time.Minute)
	removed, err = store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	var rows int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM kv_hashes`).Scan(&rows))
	assert.Equal(t, 0, rows)
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM kv_strings`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestSQLiteStore_RunSweeperStopsOnCancel(t *testing.T) {
	store := setupTestStore(t, newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		store.RunSweeper(ctx, 10*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestSQLiteStore_BatchRollsBackOnError(t *testing.T) {
	store := setupTestStore(t, newFakeClock())
	ctx := context.Background()

	require.NoError(t, store.HSet(ctx, "counter", map[string]string{"n": "not-a-number"}))

	_, err := store.HIncrBy(ctx, "counter", "n", 1)
	require.Error(t, err)

	v, err := store.HGet(ctx, "counter", "n")
	require.NoError(t, err)
	assert.Equal(t, "not-a-number", v)
}
