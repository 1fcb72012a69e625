package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/require"

	"github.com/nexusai/chgate/internal/core"
)

type memoryRateStore struct {
	state map[string]*core.RateLimitState
}

func (m *memoryRateStore) GetRateLimit(ctx context.Context, key string) (*core.RateLimitState, error) {
	if m.state == nil {
		return nil, nil
	}
	if val, ok := m.state[key]; ok {
		return val, nil
	}
	return nil, nil
}

func (m *memoryRateStore) UpdateRateLimit(ctx context.Context, key string, state *core.RateLimitState) error {
	if m.state == nil {
		m.state = make(map[string]*core.RateLimitState)
	}
	m.state[key] = state
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestRateLimiterWindow(t *testing.T) {
	clock := newClock()
	limiter := &RateLimiter{
		Limits: map[string]RateLimit{
			"companies-house": {RequestsPerWindow: 1, WindowDuration: time.Minute},
		},
		Clock: clock.Now,
	}

	status := limiter.TryAcquire("companies-house")
	require.True(t, status.Allowed)
	require.Equal(t, 0, status.Remaining)

	status = limiter.TryAcquire("companies-house")
	require.False(t, status.Allowed)
	require.Equal(t, clock.Now().Add(time.Minute), status.ResetAt)
	require.Equal(t, clock.Now().Add(time.Minute).UnixMilli(), status.ResetAtEpochMs)
}

func TestRateLimiterDeniesRequestAfterBudget(t *testing.T) {
	clock := newClock()
	limiter := &RateLimiter{Clock: clock.Now}

	for i := 0; i < 600; i++ {
		status := limiter.TryAcquire("tenant-a")
		require.True(t, status.Allowed, "request %d should be allowed", i+1)
		require.Equal(t, 600-(i+1), status.Remaining)
	}

	status := limiter.TryAcquire("tenant-a")
	require.False(t, status.Allowed)
	require.Equal(t, 0, status.Remaining)
	require.Equal(t, 600, status.Limit)
	require.Equal(t, clock.Now().Add(5*time.Minute).UnixMilli(), status.ResetAtEpochMs)
}

func TestRateLimiterAllowsAgainAfterWindow(t *testing.T) {
	clock := newClock()
	limiter := &RateLimiter{
		Default: RateLimit{RequestsPerWindow: 2, WindowDuration: 300 * time.Second},
		Clock:   clock.Now,
	}

	require.True(t, limiter.TryAcquire("k").Allowed)
	require.True(t, limiter.TryAcquire("k").Allowed)
	require.False(t, limiter.TryAcquire("k").Allowed)

	clock.Advance(299 * time.Second)
	require.False(t, limiter.TryAcquire("k").Allowed)

	clock.Advance(time.Second)
	status := limiter.TryAcquire("k")
	require.True(t, status.Allowed)
	require.Equal(t, 1, status.Remaining)
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	limiter := &RateLimiter{
		Default: RateLimit{RequestsPerWindow: 1, WindowDuration: time.Minute},
		Clock:   newClock().Now,
	}

	require.True(t, limiter.TryAcquire("a").Allowed)
	require.False(t, limiter.TryAcquire("a").Allowed)
	require.True(t, limiter.TryAcquire("b").Allowed)
}

func TestRateLimiterConcurrentCallersNeverExceedBudget(t *testing.T) {
	limiter := &RateLimiter{Clock: newClock().Now}

	const (
		workers = 32
		perWork = 50
	)

	var (
		allowed atomic.Int64
		wg      sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < perWork; j++ {
				if limiter.TryAcquire("shared").Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int64(600), allowed.Load())
	require.Equal(t, 0, limiter.Status("shared").Remaining)
}

func TestRateLimiterStatusDoesNotConsume(t *testing.T) {
	clock := newClock()
	limiter := &RateLimiter{
		Default: RateLimit{RequestsPerWindow: 3, WindowDuration: time.Minute},
		Clock:   clock.Now,
	}

	status := limiter.Status("k")
	require.True(t, status.Allowed)
	require.Equal(t, 3, status.Remaining)

	limiter.TryAcquire("k")
	for i := 0; i < 5; i++ {
		require.Equal(t, 2, limiter.Status("k").Remaining)
	}

	clock.Advance(time.Minute)
	require.Equal(t, 3, limiter.Status("k").Remaining)
}

func TestRateLimiterBackoff(t *testing.T) {
	clock := newClock()
	limiter := &RateLimiter{Clock: clock.Now}

	limiter.Record429("companies-house", 30*time.Second)

	status := limiter.TryAcquire("companies-house")
	require.False(t, status.Allowed)
	require.Equal(t, clock.Now().Add(30*time.Second), status.ResetAt)

	clock.Advance(30 * time.Second)
	require.True(t, limiter.TryAcquire("companies-house").Allowed)
}

func TestRateLimiterBackoffReportsActiveHold(t *testing.T) {
	clock := newClock()
	limiter := &RateLimiter{Clock: clock.Now}

	_, ok := limiter.Backoff("k")
	require.False(t, ok)

	limiter.Record429("k", 10*time.Second)
	until, ok := limiter.Backoff("k")
	require.True(t, ok)
	require.Equal(t, clock.Now().Add(10*time.Second), until)

	clock.Advance(11 * time.Second)
	_, ok = limiter.Backoff("k")
	require.False(t, ok)
}

func TestRateLimiterRecord429WithoutHintSpendsWindow(t *testing.T) {
	clock := newClock()
	limiter := &RateLimiter{Clock: clock.Now}

	require.True(t, limiter.TryAcquire("k").Allowed)
	limiter.Record429("k", 0)

	status := limiter.TryAcquire("k")
	require.False(t, status.Allowed)
	require.Equal(t, clock.Now().Add(5*time.Minute), status.ResetAt)
}

func TestRateLimiterMargin(t *testing.T) {
	limiter := &RateLimiter{
		Limits: map[string]RateLimit{
			"companies-house": {RequestsPerWindow: 10, WindowDuration: time.Minute},
		},
		Clock: func() time.Time { return time.Now().UTC() },
	}

	limiter.ApplySafetyMargin(0.9)
	limit := limiter.getLimit("companies-house")
	require.Equal(t, 9, limit.RequestsPerWindow)

	limiter.ApplySafetyMargin(1.5)
	require.Equal(t, 0.9, limiter.Margin)
}

func TestRateLimiterOverrides(t *testing.T) {
	limiter := &RateLimiter{
		Default: RateLimit{RequestsPerWindow: 600, WindowDuration: 5 * time.Minute},
	}
	limiter.ApplyOverrides(map[string]int{"ai-provider": 60, " ": 5, "zero": 0})

	require.Equal(t, RateLimit{RequestsPerWindow: 60, WindowDuration: 5 * time.Minute}, limiter.Limit("ai-provider"))
	require.Equal(t, 600, limiter.Limit("zero").RequestsPerWindow)
	require.Len(t, limiter.Limits, 1)
}

func TestRateLimiterSweepEvictsIdleKeys(t *testing.T) {
	clock := newClock()
	limiter := &RateLimiter{
		Default: RateLimit{RequestsPerWindow: 5, WindowDuration: time.Minute},
		Clock:   clock.Now,
		IdleTTL: time.Minute,
	}

	limiter.TryAcquire("old")
	clock.Advance(90 * time.Second)
	limiter.TryAcquire("fresh")

	require.Equal(t, 0, limiter.Sweep())

	clock.Advance(31 * time.Second)
	require.Equal(t, 1, limiter.Sweep())
	require.Equal(t, []string{"fresh"}, limiter.Keys())
}

func TestRateLimiterJanitorEvictsInBackground(t *testing.T) {
	logger, err := logging.NewCLI("chgate-test")
	require.NoError(t, err)

	clock := newClock()
	limiter := &RateLimiter{
		Default: RateLimit{RequestsPerWindow: 5, WindowDuration: time.Minute},
		Clock:   clock.Now,
		IdleTTL: time.Minute,
		Logger:  logger,
	}
	limiter.TryAcquire("idle")
	clock.Advance(3 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter.StartJanitor(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(limiter.Keys()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRateLimiterPersistAndLoad(t *testing.T) {
	clock := newClock()
	store := &memoryRateStore{}

	first := &RateLimiter{Clock: clock.Now}
	for i := 0; i < 10; i++ {
		first.TryAcquire("companies-house")
	}
	require.NoError(t, first.Persist(context.Background(), store))

	second := &RateLimiter{Clock: clock.Now}
	require.NoError(t, second.Load(context.Background(), store, "companies-house", "missing"))
	require.Equal(t, 590, second.Status("companies-house").Remaining)
	require.Equal(t, []string{"companies-house"}, second.Keys())
}

func TestRateLimiterReset(t *testing.T) {
	limiter := &RateLimiter{
		Default: RateLimit{RequestsPerWindow: 1, WindowDuration: time.Minute},
	}
	limiter.TryAcquire("k")
	require.False(t, limiter.TryAcquire("k").Allowed)

	limiter.Reset("k")
	require.True(t, limiter.TryAcquire("k").Allowed)
}

func TestNilRateLimiterAllows(t *testing.T) {
	var limiter *RateLimiter
	require.True(t, limiter.TryAcquire("k").Allowed)
	require.True(t, limiter.Status("k").Allowed)
	require.Equal(t, 0, limiter.Sweep())
}
