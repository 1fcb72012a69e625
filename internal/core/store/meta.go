package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	metaSchemaVersion       = "schema_version"
	metaRateLimitsPersisted = "rate_limits_persisted_at_ms"
)

// SetMeta stores a key/value pair in store_meta.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("meta key is required")
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO store_meta (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store meta %s: %w", key, err)
	}
	return nil
}

// GetMeta returns the value for key, or "" when unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	if s == nil || s.DB == nil {
		return "", errors.New("store is not initialized")
	}

	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, strings.TrimSpace(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch meta %s: %w", key, err)
	}
	return value, nil
}
