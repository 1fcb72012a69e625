package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nexusai/chgate/internal/core"
)

// GetRateLimit returns stored rate limit state for a partition key.
func (s *Store) GetRateLimit(ctx context.Context, key string) (*core.RateLimitState, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("rate limit key is required")
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT request_count, window_start_ms, backoff_until_ms, last_429_at_ms
		FROM rate_limits
		WHERE key = ?
	`, key)

	var (
		requestCount int
		windowStart  int64
		backoffUntil sql.NullInt64
		last429At    sql.NullInt64
	)
	if err := row.Scan(&requestCount, &windowStart, &backoffUntil, &last429At); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch rate limit: %w", err)
	}

	state := decodeRateLimitState(requestCount, windowStart, backoffUntil, last429At)
	return &state, nil
}

// UpdateRateLimit persists rate limit state for a partition key.
func (s *Store) UpdateRateLimit(ctx context.Context, key string, state *core.RateLimitState) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("rate limit key is required")
	}
	if state == nil {
		return errors.New("rate limit state is required")
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO rate_limits (key, request_count, window_start_ms, backoff_until_ms, last_429_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			request_count = excluded.request_count,
			window_start_ms = excluded.window_start_ms,
			backoff_until_ms = excluded.backoff_until_ms,
			last_429_at_ms = excluded.last_429_at_ms
	`, key, state.RequestCount, state.WindowStart.UTC().UnixMilli(), nullMillis(state.BackoffUntil), nullMillis(state.Last429At))
	if err != nil {
		return fmt.Errorf("store rate limit: %w", err)
	}

	return s.SetMeta(ctx, metaRateLimitsPersisted, fmt.Sprintf("%d", s.now().UnixMilli()))
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func decodeRateLimitState(requestCount int, windowStart int64, backoffUntil, last429At sql.NullInt64) core.RateLimitState {
	state := core.RateLimitState{
		RequestCount: requestCount,
		WindowStart:  time.UnixMilli(windowStart).UTC(),
	}
	if backoffUntil.Valid {
		value := time.UnixMilli(backoffUntil.Int64).UTC()
		state.BackoffUntil = &value
	}
	if last429At.Valid {
		value := time.UnixMilli(last429At.Int64).UTC()
		state.Last429At = &value
	}
	return state
}

// RateLimitsPersistedAt returns when rate limit state was last written, or
// the zero time when it never was.
func (s *Store) RateLimitsPersistedAt(ctx context.Context) (time.Time, error) {
	raw, err := s.GetMeta(ctx, metaRateLimitsPersisted)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", metaRateLimitsPersisted, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
