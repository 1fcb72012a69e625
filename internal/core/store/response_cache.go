package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/core/cache"
)

// ResponseCache adapts the store to cache.ResponseCache so cached payloads
// survive restarts and are shared by CLI invocations.
type ResponseCache struct {
	store *Store
}

// NewResponseCache returns a persistent cache backed by s.
func NewResponseCache(s *Store) *ResponseCache {
	return &ResponseCache{store: s}
}

// Get returns the cached payload if it is still valid.
func (c *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s := c.store
	if s == nil || s.DB == nil {
		return nil, false, errors.New("store is not initialized")
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("cache key is required")
	}

	var value []byte
	row := s.DB.QueryRowContext(ctx, `
		SELECT value
		FROM response_cache
		WHERE key = ? AND expires_at_ms > ?
	`, key, s.now().UnixMilli())

	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fetch cached response: %w", err)
	}
	return value, true, nil
}

// Set stores value for ttl. A non-positive ttl is ignored.
func (c *ResponseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s := c.store
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ttl <= 0 {
		return nil
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("cache key is required")
	}

	now := s.now()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO response_cache (key, value, stored_at_ms, expires_at_ms, size_bytes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			stored_at_ms = excluded.stored_at_ms,
			expires_at_ms = excluded.expires_at_ms,
			size_bytes = excluded.size_bytes
	`, key, value, now.UnixMilli(), now.Add(ttl).UnixMilli(), len(value))
	if err != nil {
		return fmt.Errorf("store cached response: %w", err)
	}
	return nil
}

// Invalidate deletes key.
func (c *ResponseCache) Invalidate(ctx context.Context, key string) error {
	s := c.store
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM response_cache WHERE key = ?`, strings.TrimSpace(key)); err != nil {
		return fmt.Errorf("invalidate cached response: %w", err)
	}
	return nil
}

// Stats lists live entries, oldest first.
func (c *ResponseCache) Stats(ctx context.Context) (core.CacheStats, error) {
	stats := core.CacheStats{Backend: cache.BackendStore, Entries: []core.CacheEntryStat{}}

	s := c.store
	if s == nil || s.DB == nil {
		return stats, errors.New("store is not initialized")
	}

	now := s.now().UnixMilli()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT key, stored_at_ms, size_bytes
		FROM response_cache
		WHERE expires_at_ms > ?
		ORDER BY stored_at_ms ASC, key ASC
	`, now)
	if err != nil {
		return stats, fmt.Errorf("list cached responses: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	for rows.Next() {
		var (
			key      string
			storedAt int64
			size     int
		)
		if err := rows.Scan(&key, &storedAt, &size); err != nil {
			return stats, fmt.Errorf("scan cached responses: %w", err)
		}
		stats.Entries = append(stats.Entries, core.CacheEntryStat{
			Key:       key,
			AgeMs:     now - storedAt,
			SizeBytes: size,
		})
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("list cached responses: %w", err)
	}

	stats.Size = len(stats.Entries)
	return stats, nil
}

// Purge deletes every cached response.
func (c *ResponseCache) Purge(ctx context.Context) (int, error) {
	return c.exec(ctx, `DELETE FROM response_cache`)
}

// Sweep deletes expired rows and returns how many were removed.
func (c *ResponseCache) Sweep(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, errors.New("store is not initialized")
	}
	return c.exec(ctx, `DELETE FROM response_cache WHERE expires_at_ms <= ?`, c.store.now().UnixMilli())
}

// Ping checks the underlying database.
func (c *ResponseCache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func (c *ResponseCache) exec(ctx context.Context, query string, args ...any) (int, error) {
	s := c.store
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}

	result, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge cached responses: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge cached responses: %w", err)
	}
	return int(affected), nil
}

var (
	_ cache.ResponseCache = (*ResponseCache)(nil)
	_ cache.Purger        = (*ResponseCache)(nil)
	_ cache.Pinger        = (*ResponseCache)(nil)
)
