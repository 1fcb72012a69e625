package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// SchemaVersion is recorded in store_meta after every successful Migrate.
const SchemaVersion = 2

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS store_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS response_cache (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		stored_at_ms INTEGER NOT NULL,
		expires_at_ms INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_response_cache_expires ON response_cache(expires_at_ms)`,
	`CREATE TABLE IF NOT EXISTS rate_limits (
		key TEXT PRIMARY KEY,
		request_count INTEGER NOT NULL DEFAULT 0,
		window_start_ms INTEGER NOT NULL,
		backoff_until_ms INTEGER,
		last_429_at_ms INTEGER
	)`,
}

// addedColumns upgrades stores created before a column existed.
var addedColumns = []struct{ table, column, def string }{
	{"response_cache", "size_bytes", "INTEGER NOT NULL DEFAULT 0"},
}

// Migrate creates missing tables and columns. It is safe to run on every
// start.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}
	for _, c := range addedColumns {
		if err := s.addColumnIfMissing(ctx, c.table, c.column, c.def); err != nil {
			return err
		}
	}
	return s.SetMeta(ctx, metaSchemaVersion, strconv.Itoa(SchemaVersion))
}

func (s *Store) addColumnIfMissing(ctx context.Context, table, column, def string) error {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, def)); err != nil {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}
	return nil
}
