//go:build cgo

package store

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusai/chgate/internal/config"
	"github.com/nexusai/chgate/internal/core"
)

type storeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *storeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *storeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openMigratedStore(t *testing.T) (*Store, *storeClock) {
	t.Helper()
	ctx := context.Background()

	store, err := Open(ctx, config.StoreConfig{Driver: "libsql", Path: "file:" + t.TempDir() + "/chgate.db"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	clock := &storeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	store.Clock = clock.Now
	return store, clock
}

func TestOpenMemoryStore(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, config.StoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	require.Equal(t, "libsql", store.Driver())
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Close())
}

func TestOpenLocalFileEnablesWAL(t *testing.T) {
	store, _ := openMigratedStore(t)
	ctx := context.Background()

	require.Equal(t, 1, store.DB.Stats().MaxOpenConnections)

	var journalMode string
	require.NoError(t, store.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
	require.Equal(t, "wal", strings.ToLower(journalMode))

	var busyTimeout int
	require.NoError(t, store.DB.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
	require.Equal(t, localBusyTimeoutMs, busyTimeout)
}

func TestMigrateRecordsSchemaVersion(t *testing.T) {
	store, _ := openMigratedStore(t)
	ctx := context.Background()

	require.NoError(t, store.Migrate(ctx))

	version, err := store.GetMeta(ctx, metaSchemaVersion)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(SchemaVersion), version)

	missing, err := store.GetMeta(ctx, "nope")
	require.NoError(t, err)
	require.Equal(t, "", missing)
}

func TestResponseCacheExpiry(t *testing.T) {
	store, clock := openMigratedStore(t)
	ctx := context.Background()
	cache := NewResponseCache(store)

	require.NoError(t, cache.Set(ctx, "profile-key", []byte(`{"company_number":"00445790"}`), time.Hour))

	value, ok, err := cache.Get(ctx, "profile-key")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"company_number":"00445790"}`, string(value))

	clock.Advance(time.Hour)
	_, ok, err = cache.Get(ctx, "profile-key")
	require.NoError(t, err)
	require.False(t, ok)

	swept, err := cache.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)
}

func TestResponseCacheStatsAndPurge(t *testing.T) {
	store, clock := openMigratedStore(t)
	ctx := context.Background()
	cache := NewResponseCache(store)

	require.NoError(t, cache.Set(ctx, "a", []byte("1234"), time.Hour))
	clock.Advance(2 * time.Second)
	require.NoError(t, cache.Set(ctx, "b", []byte("12"), time.Hour))
	require.NoError(t, cache.Set(ctx, "ignored", []byte("x"), 0))

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, "store", stats.Backend)
	require.Equal(t, 2, stats.Size)
	require.Equal(t, core.CacheEntryStat{Key: "a", AgeMs: 2000, SizeBytes: 4}, stats.Entries[0])
	require.Equal(t, core.CacheEntryStat{Key: "b", AgeMs: 0, SizeBytes: 2}, stats.Entries[1])

	require.NoError(t, cache.Invalidate(ctx, "a"))
	purged, err := cache.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged)
}

func TestRateLimitRoundTrip(t *testing.T) {
	store, _ := openMigratedStore(t)
	ctx := context.Background()

	missing, err := store.GetRateLimit(ctx, "companies-house")
	require.NoError(t, err)
	require.Nil(t, missing)

	windowStart := time.Date(2025, 6, 1, 8, 58, 0, 0, time.UTC)
	backoff := windowStart.Add(90 * time.Second)
	state := &core.RateLimitState{RequestCount: 42, WindowStart: windowStart, BackoffUntil: &backoff, Last429At: &windowStart}
	require.NoError(t, store.UpdateRateLimit(ctx, "companies-house", state))

	loaded, err := store.GetRateLimit(ctx, "companies-house")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, 42, loaded.RequestCount)
	require.True(t, windowStart.Equal(loaded.WindowStart))
	require.NotNil(t, loaded.BackoffUntil)
	require.True(t, backoff.Equal(*loaded.BackoffUntil))

	persistedAt, err := store.GetMeta(ctx, metaRateLimitsPersisted)
	require.NoError(t, err)
	require.NotEmpty(t, persistedAt)

	at, err := store.RateLimitsPersistedAt(ctx)
	require.NoError(t, err)
	require.False(t, at.IsZero())
}

func TestRateLimitAdmin(t *testing.T) {
	store, _ := openMigratedStore(t)
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	for _, key := range []string{"companies-house", "tenant:acme", "tenant:globex"} {
		require.NoError(t, store.UpdateRateLimit(ctx, key, &core.RateLimitState{RequestCount: 1, WindowStart: start}))
	}

	_, err := store.ListRateLimits(ctx, RateLimitQuery{})
	require.Error(t, err)

	tenants, err := store.ListRateLimits(ctx, RateLimitQuery{Prefix: "tenant:"})
	require.NoError(t, err)
	require.Len(t, tenants, 2)
	require.Equal(t, "tenant:acme", tenants[0].Key)

	count, err := store.CountRateLimits(ctx, RateLimitQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, 3, count)

	removed, err := store.ResetRateLimits(ctx, RateLimitQuery{Key: "tenant:acme"})
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	count, err = store.CountRateLimits(ctx, RateLimitQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestRateLimitPrefixTreatsWildcardsLiterally(t *testing.T) {
	store, _ := openMigratedStore(t)
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	for _, key := range []string{"tenant:a_b", "tenant:axb", "tenant:100%"} {
		require.NoError(t, store.UpdateRateLimit(ctx, key, &core.RateLimitState{WindowStart: start}))
	}

	matched, err := store.ListRateLimits(ctx, RateLimitQuery{Prefix: "tenant:a_"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, "tenant:a_b", matched[0].Key)

	count, err := store.CountRateLimits(ctx, RateLimitQuery{Prefix: "tenant:100%"})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
