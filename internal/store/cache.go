package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rendis/buildcore/internal/fingerprint"
)

// CacheStore persists fingerprint cache entries in the cache_entries table.
// It implements fingerprint.Backend and fingerprint.Pruner.
type CacheStore struct {
	store *LibSQLStore
	now   func() time.Time
}

var (
	_ fingerprint.Backend = (*CacheStore)(nil)
	_ fingerprint.Pruner  = (*CacheStore)(nil)
)

// NewCacheStore wraps a LibSQLStore as a cache backend.
func NewCacheStore(s *LibSQLStore) *CacheStore {
	return &CacheStore{store: s, now: time.Now}
}

// Get returns the stored entry for key, or fingerprint.ErrNotFound.
func (c *CacheStore) Get(ctx context.Context, key string) ([]byte, error) {
	var entry string
	err := c.store.db.QueryRowContext(ctx,
		`SELECT entry FROM cache_entries WHERE fingerprint = ?`, key,
	).Scan(&entry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fingerprint.ErrNotFound
	}
	if err != nil {
		return nil, storeError("read cache entry", err)
	}
	return []byte(entry), nil
}

// Put inserts or replaces the entry for key.
func (c *CacheStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := c.store.db.ExecContext(ctx,
		`INSERT INTO cache_entries (fingerprint, entry, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET entry=excluded.entry, created_at=excluded.created_at`,
		key, string(data), toMillis(c.now()),
	)
	if err != nil {
		return storeError("write cache entry", err)
	}
	return nil
}

// Prune deletes entries written before cutoff and returns how many went.
func (c *CacheStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := c.store.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE created_at < ?`, cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, storeError("prune cache", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("prune cache", err)
	}
	return int(n), nil
}

// Len returns the number of stored entries.
func (c *CacheStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, storeError("count cache entries", err)
	}
	return n, nil
}
