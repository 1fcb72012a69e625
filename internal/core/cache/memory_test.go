package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestMemoryGetBeforeAndAfterTTL(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	cache := NewMemory()
	cache.Clock = clock.Now

	require.NoError(t, cache.Set(ctx, "profile:00445790", []byte(`{"company_name":"TESCO PLC"}`), time.Minute))

	value, ok, err := cache.Get(ctx, "profile:00445790")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"company_name":"TESCO PLC"}`, string(value))

	clock.Advance(59 * time.Second)
	_, ok, err = cache.Get(ctx, "profile:00445790")
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(time.Second)
	_, ok, err = cache.Get(ctx, "profile:00445790")
	require.NoError(t, err)
	require.False(t, ok)

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Size)
}

func TestMemorySetOverwritesAndResetsAge(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	cache := &Memory{Clock: clock.Now}

	require.NoError(t, cache.Set(ctx, "k", []byte("one"), time.Minute))
	clock.Advance(50 * time.Second)
	require.NoError(t, cache.Set(ctx, "k", []byte("two"), time.Minute))
	clock.Advance(50 * time.Second)

	value, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "two", string(value))
}

func TestMemoryIgnoresNonPositiveTTL(t *testing.T) {
	ctx := context.Background()
	cache := NewMemory()

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), 0))
	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	cache := NewMemory()

	original := []byte("abc")
	require.NoError(t, cache.Set(ctx, "k", original, time.Minute))
	original[0] = 'z'

	value, _, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(value))

	value[1] = 'z'
	again, _, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(again))
}

func TestMemoryInvalidateAndPurge(t *testing.T) {
	ctx := context.Background()
	cache := NewMemory()

	require.NoError(t, cache.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, cache.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, cache.Invalidate(ctx, "a"))
	require.NoError(t, cache.Invalidate(ctx, "missing"))

	_, ok, _ := cache.Get(ctx, "a")
	require.False(t, ok)

	purged, err := cache.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	_, ok, _ = cache.Get(ctx, "b")
	require.False(t, ok)
}

func TestMemoryStatsReportsAgeAndSize(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	cache := &Memory{Clock: clock.Now}

	require.NoError(t, cache.Set(ctx, "old", []byte("12345"), time.Hour))
	clock.Advance(1500 * time.Millisecond)
	require.NoError(t, cache.Set(ctx, "new", []byte("12"), time.Hour))
	clock.Advance(500 * time.Millisecond)

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, BackendMemory, stats.Backend)
	require.Equal(t, 2, stats.Size)
	require.Equal(t, "old", stats.Entries[0].Key)
	require.Equal(t, int64(2000), stats.Entries[0].AgeMs)
	require.Equal(t, 5, stats.Entries[0].SizeBytes)
	require.Equal(t, "new", stats.Entries[1].Key)
	require.Equal(t, int64(500), stats.Entries[1].AgeMs)
	require.Equal(t, 2, stats.Entries[1].SizeBytes)
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	cache := &Memory{Clock: clock.Now}

	require.NoError(t, cache.Set(ctx, "short", []byte("x"), time.Second))
	require.NoError(t, cache.Set(ctx, "long", []byte("y"), time.Hour))

	clock.Advance(2 * time.Second)
	require.Equal(t, 1, cache.Sweep())
	require.Equal(t, 0, cache.Sweep())

	_, ok, _ := cache.Get(ctx, "long")
	require.True(t, ok)
}

func TestMemoryMaxEntriesEvictsOldest(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	cache := &Memory{Clock: clock.Now, MaxEntries: 2}

	require.NoError(t, cache.Set(ctx, "first", []byte("1"), time.Hour))
	clock.Advance(time.Second)
	require.NoError(t, cache.Set(ctx, "second", []byte("2"), time.Hour))
	clock.Advance(time.Second)
	require.NoError(t, cache.Set(ctx, "third", []byte("3"), time.Hour))

	_, ok, _ := cache.Get(ctx, "first")
	require.False(t, ok)
	_, ok, _ = cache.Get(ctx, "second")
	require.True(t, ok)
	_, ok, _ = cache.Get(ctx, "third")
	require.True(t, ok)
}

func TestMemoryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	cache := NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", j%10)
				_ = cache.Set(ctx, key, []byte(fmt.Sprintf("%d-%d", worker, j)), time.Minute)
				_, _, _ = cache.Get(ctx, key)
				if j%50 == 0 {
					_ = cache.Invalidate(ctx, key)
				}
			}
		}(i)
	}
	wg.Wait()

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, stats.Size, 10)
}

func TestMemoryJanitorSweepsExpired(t *testing.T) {
	logger, err := logging.NewCLI("chgate-test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newTestClock()
	cache := NewMemory()
	cache.Clock = clock.Now
	cache.Logger = logger
	require.NoError(t, cache.Set(ctx, "profile:00445790", []byte(`{}`), time.Minute))
	clock.Advance(2 * time.Minute)

	cache.StartJanitor(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		cache.mu.Lock()
		defer cache.mu.Unlock()
		return len(cache.entries) == 0
	}, time.Second, 5*time.Millisecond)
}
