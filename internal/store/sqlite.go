// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Backs the self-hosted runtime; emulates hashes, sets and key expiry in tables

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dsn := path
	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to :memory: is a separate database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv_strings (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS kv_hashes (
			key   TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (key, field)
		);

		CREATE TABLE IF NOT EXISTS kv_sets (
			key    TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (key, member)
		);

		-- expires_at is unix milliseconds
		CREATE TABLE IF NOT EXISTS kv_expiry (
			key        TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_kv_expiry_expires ON kv_expiry(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

// HGet returns a single hash field. Returns ErrNotFound if the key or field is missing.
func (s *SQLiteStore) HGet(ctx context.Context, key, field string) (string, error) {
	query := `
		SELECT h.value FROM kv_hashes h
		WHERE h.key = ? AND h.field = ?
		  AND NOT EXISTS (SELECT 1 FROM kv_expiry e WHERE e.key = h.key AND e.expires_at <= ?)
	`

	var value string
	err := s.db.QueryRowContext(ctx, query, key, field, s.nowMillis()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying hash field: %w", err)
	}
	return value, nil
}

// HGetAll returns every field of a hash, or an empty map if the key is missing.
func (s *SQLiteStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	query := `
		SELECT h.field, h.value FROM kv_hashes h
		WHERE h.key = ?
		  AND NOT EXISTS (SELECT 1 FROM kv_expiry e WHERE e.key = h.key AND e.expires_at <= ?)
	`

	rows, err := s.db.QueryContext(ctx, query, key, s.nowMillis())
	if err != nil {
		return nil, fmt.Errorf("querying hash: %w", err)
	}
	defer rows.Close()

	fields := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scanning hash row: %w", err)
		}
		fields[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hash rows: %w", err)
	}
	return fields, nil
}

// Get returns a string value. Returns ErrNotFound if missing or expired.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	query := `
		SELECT v.value FROM kv_strings v
		WHERE v.key = ?
		  AND NOT EXISTS (SELECT 1 FROM kv_expiry e WHERE e.key = v.key AND e.expires_at <= ?)
	`

	var value []byte
	err := s.db.QueryRowContext(ctx, query, key, s.nowMillis()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying value: %w", err)
	}
	return value, nil
}

// SMembers returns the members of a set in no particular order.
func (s *SQLiteStore) SMembers(ctx context.Context, key string) ([]string, error) {
	query := `
		SELECT m.member FROM kv_sets m
		WHERE m.key = ?
		  AND NOT EXISTS (SELECT 1 FROM kv_expiry e WHERE e.key = m.key AND e.expires_at <= ?)
	`

	rows, err := s.db.QueryContext(ctx, query, key, s.nowMillis())
	if err != nil {
		return nil, fmt.Errorf("querying set: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("scanning set row: %w", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating set rows: %w", err)
	}
	return members, nil
}

// Exists reports whether a key holds a live value of any type.
func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	query := `
		SELECT 1 WHERE (
			EXISTS (SELECT 1 FROM kv_strings WHERE key = ?1)
			OR EXISTS (SELECT 1 FROM kv_hashes WHERE key = ?1)
			OR EXISTS (SELECT 1 FROM kv_sets WHERE key = ?1)
		) AND NOT EXISTS (SELECT 1 FROM kv_expiry WHERE key = ?1 AND expires_at <= ?2)
	`

	var one int
	err := s.db.QueryRowContext(ctx, query, key, s.nowMillis()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking key: %w", err)
	}
	return true, nil
}

// HIncrBy increments an integer hash field, creating it at zero if missing.
func (s *SQLiteStore) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	var result int64
	err := s.withTx(ctx, func(t *sqliteTx) {
		t.purgeExpired(key)
		if t.err != nil {
			return
		}

		var current string
		err := t.tx.QueryRowContext(ctx, `SELECT value FROM kv_hashes WHERE key = ? AND field = ?`, key, field).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			current = "0"
		case err != nil:
			t.err = fmt.Errorf("querying hash field: %w", err)
			return
		}

		n, err := strconv.ParseInt(current, 10, 64)
		if err != nil {
			t.err = fmt.Errorf("hash field %s/%s is not an integer: %w", key, field, err)
			return
		}
		result = n + incr
		t.HSet(key, map[string]string{field: strconv.FormatInt(result, 10)})
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

// Single-write operations run as one-statement batches so expiry purging
// and type bookkeeping behave the same as inside Batch.

func (s *SQLiteStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	return s.Batch(ctx, func(tx Tx) { tx.HSet(key, fields) })
}

func (s *SQLiteStore) HDel(ctx context.Context, key string, fields ...string) error {
	return s.Batch(ctx, func(tx Tx) { tx.HDel(key, fields...) })
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.Batch(ctx, func(tx Tx) { tx.Set(key, value, ttl) })
}

func (s *SQLiteStore) SAdd(ctx context.Context, key string, members ...string) error {
	return s.Batch(ctx, func(tx Tx) { tx.SAdd(key, members...) })
}

func (s *SQLiteStore) SRem(ctx context.Context, key string, members ...string) error {
	return s.Batch(ctx, func(tx Tx) { tx.SRem(key, members...) })
}

func (s *SQLiteStore) Del(ctx context.Context, keys ...string) error {
	return s.Batch(ctx, func(tx Tx) { tx.Del(keys...) })
}

func (s *SQLiteStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.Batch(ctx, func(tx Tx) { tx.Expire(key, ttl) })
}

// Batch applies the queued writes in a single SQL transaction.
func (s *SQLiteStore) Batch(ctx context.Context, fn func(tx Tx)) error {
	return s.withTx(ctx, func(t *sqliteTx) { fn(t) })
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(t *sqliteTx)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	t := &sqliteTx{ctx: ctx, tx: tx, now: s.nowMillis(), purged: make(map[string]bool)}
	fn(t)
	if t.err != nil {
		_ = tx.Rollback()
		return t.err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// SweepExpired physically removes every expired key and returns how many
// keys were removed.
func (s *SQLiteStore) SweepExpired(ctx context.Context) (int64, error) {
	now := s.nowMillis()
	var removed int64
	err := s.withTx(ctx, func(t *sqliteTx) {
		for _, table := range []string{"kv_strings", "kv_hashes", "kv_sets"} {
			_, err := t.tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE key IN (SELECT key FROM kv_expiry WHERE expires_at <= ?)`, now)
			if err != nil {
				t.err = fmt.Errorf("sweeping %s: %w", table, err)
				return
			}
		}
		result, err := t.tx.ExecContext(ctx, `DELETE FROM kv_expiry WHERE expires_at <= ?`, now)
		if err != nil {
			t.err = fmt.Errorf("sweeping expiry: %w", err)
			return
		}
		removed, _ = result.RowsAffected()
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Debug("swept expired keys", "count", removed)
	}
	return removed, nil
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
func (s *SQLiteStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.logger.Warn("expiry sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// sqliteTx implements Tx on top of a SQL transaction. The first error aborts
// every following write and is returned from Batch.
type sqliteTx struct {
	ctx    context.Context
	tx     *sql.Tx
	now    int64
	err    error
	purged map[string]bool
}

func (t *sqliteTx) exec(query string, args ...any) {
	if t.err != nil {
		return
	}
	if _, err := t.tx.ExecContext(t.ctx, query, args...); err != nil {
		t.err = fmt.Errorf("executing write: %w", err)
	}
}

// purgeExpired drops an expired key before it is written so writes to an
// expired key start from an empty value.
func (t *sqliteTx) purgeExpired(key string) {
	if t.err != nil || t.purged[key] {
		return
	}
	t.purged[key] = true

	var expiresAt int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT expires_at FROM kv_expiry WHERE key = ?`, key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err != nil {
		t.err = fmt.Errorf("checking expiry: %w", err)
		return
	}
	if expiresAt <= t.now {
		t.deleteKey(key)
	}
}

func (t *sqliteTx) deleteKey(key string) {
	t.exec(`DELETE FROM kv_strings WHERE key = ?`, key)
	t.exec(`DELETE FROM kv_hashes WHERE key = ?`, key)
	t.exec(`DELETE FROM kv_sets WHERE key = ?`, key)
	t.exec(`DELETE FROM kv_expiry WHERE key = ?`, key)
}

func (t *sqliteTx) HSet(key string, fields map[string]string) {
	t.purgeExpired(key)
	for field, value := range fields {
		t.exec(`
			INSERT INTO kv_hashes (key, field, value) VALUES (?, ?, ?)
			ON CONFLICT(key, field) DO UPDATE SET value = excluded.value
		`, key, field, value)
	}
}

func (t *sqliteTx) HDel(key string, fields ...string) {
	for _, field := range fields {
		t.exec(`DELETE FROM kv_hashes WHERE key = ? AND field = ?`, key, field)
	}
}

func (t *sqliteTx) Set(key string, value []byte, ttl time.Duration) {
	t.exec(`INSERT OR REPLACE INTO kv_strings (key, value) VALUES (?, ?)`, key, value)
	if ttl > 0 {
		t.exec(`INSERT OR REPLACE INTO kv_expiry (key, expires_at) VALUES (?, ?)`, key, t.now+ttl.Milliseconds())
	} else {
		t.exec(`DELETE FROM kv_expiry WHERE key = ?`, key)
	}
	t.purged[key] = true
}

func (t *sqliteTx) SAdd(key string, members ...string) {
	t.purgeExpired(key)
	for _, member := range members {
		t.exec(`INSERT OR IGNORE INTO kv_sets (key, member) VALUES (?, ?)`, key, member)
	}
}

func (t *sqliteTx) SRem(key string, members ...string) {
	for _, member := range members {
		t.exec(`DELETE FROM kv_sets WHERE key = ? AND member = ?`, key, member)
	}
}

func (t *sqliteTx) Del(keys ...string) {
	for _, key := range keys {
		t.deleteKey(key)
	}
}

func (t *sqliteTx) Expire(key string, ttl time.Duration) {
	if ttl <= 0 {
		t.deleteKey(key)
		return
	}
	t.purgeExpired(key)
	t.exec(`
		INSERT INTO kv_expiry (key, expires_at)
		SELECT ?1, ?2 WHERE
			EXISTS (SELECT 1 FROM kv_strings WHERE key = ?1)
			OR EXISTS (SELECT 1 FROM kv_hashes WHERE key = ?1)
			OR EXISTS (SELECT 1 FROM kv_sets WHERE key = ?1)
		ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
	`, key, t.now+ttl.Milliseconds())
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
