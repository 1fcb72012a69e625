package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/nexusai/chgate/internal/core"
)

// RateLimitEntry is one persisted partition.
type RateLimitEntry struct {
	Key   string              `json:"key"`
	State core.RateLimitState `json:"state"`
}

// ErrNoSelector is returned when a query names no partitions.
var ErrNoSelector = errors.New("must specify --all, --key, or --prefix")

// RateLimitQuery selects persisted partitions. All wins over Key, and Key
// wins over Prefix.
type RateLimitQuery struct {
	All    bool
	Key    string
	Prefix string
}

func (q RateLimitQuery) Validate() error {
	if q.All || strings.TrimSpace(q.Key) != "" || strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return ErrNoSelector
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (q RateLimitQuery) whereClause() (string, []any, error) {
	switch {
	case q.All:
		return "", nil, nil
	case strings.TrimSpace(q.Key) != "":
		return "WHERE key = ?", []any{strings.TrimSpace(q.Key)}, nil
	case strings.TrimSpace(q.Prefix) != "":
		// Tenant keys are free text, so wildcards in the prefix are literal.
		return `WHERE key LIKE ? ESCAPE '\'`, []any{likeEscaper.Replace(strings.TrimSpace(q.Prefix)) + "%"}, nil
	default:
		return "", nil, ErrNoSelector
	}
}

// selectRateLimits builds the statement for q and hands it to run.
func (s *Store) selectRateLimits(ctx context.Context, q RateLimitQuery, format string, run func(context.Context, string, ...any) error) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	where, args, err := q.whereClause()
	if err != nil {
		return err
	}
	return run(ctx, fmt.Sprintf(format, where), args...)
}

// ListRateLimits returns persisted partitions ordered by key.
func (s *Store) ListRateLimits(ctx context.Context, q RateLimitQuery) ([]RateLimitEntry, error) {
	entries := []RateLimitEntry{}
	err := s.selectRateLimits(ctx, q, `
		SELECT key, request_count, window_start_ms, backoff_until_ms, last_429_at_ms
		FROM rate_limits %s ORDER BY key`,
		func(ctx context.Context, query string, args ...any) error {
			rows, err := s.DB.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close() // nolint:errcheck // best-effort cleanup

			for rows.Next() {
				var (
					entry                   RateLimitEntry
					count                   int
					windowStart             int64
					backoffUntil, last429At sql.NullInt64
				)
				if err := rows.Scan(&entry.Key, &count, &windowStart, &backoffUntil, &last429At); err != nil {
					return err
				}
				entry.State = decodeRateLimitState(count, windowStart, backoffUntil, last429At)
				entries = append(entries, entry)
			}
			return rows.Err()
		})
	if err != nil {
		return nil, fmt.Errorf("list rate limits: %w", err)
	}
	return entries, nil
}

// CountRateLimits reports how many partitions q matches.
func (s *Store) CountRateLimits(ctx context.Context, q RateLimitQuery) (int, error) {
	var count int
	err := s.selectRateLimits(ctx, q, `SELECT COUNT(*) FROM rate_limits %s`,
		func(ctx context.Context, query string, args ...any) error {
			return s.DB.QueryRowContext(ctx, query, args...).Scan(&count)
		})
	if err != nil {
		return 0, fmt.Errorf("count rate limits: %w", err)
	}
	return count, nil
}

// ResetRateLimits deletes matching partitions so the next run starts with a
// full budget.
func (s *Store) ResetRateLimits(ctx context.Context, q RateLimitQuery) (int64, error) {
	var deleted int64
	err := s.selectRateLimits(ctx, q, `DELETE FROM rate_limits %s`,
		func(ctx context.Context, query string, args ...any) error {
			result, err := s.DB.ExecContext(ctx, query, args...)
			if err != nil {
				return err
			}
			deleted, err = result.RowsAffected()
			return err
		})
	if err != nil {
		return 0, fmt.Errorf("reset rate limits: %w", err)
	}
	return deleted, nil
}
