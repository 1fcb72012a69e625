package engine

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/core"
)

// RateLimiter enforces rolling-window request budgets per partition key.
//
// All budget mutation happens under a single mutex so concurrent callers
// sharing a key can never exceed the window limit.
type RateLimiter struct {
	Limits  map[string]RateLimit
	Default RateLimit
	Clock   func() time.Time
	Margin  float64
	IdleTTL time.Duration
	Logger  *logging.Logger

	mu     sync.Mutex
	states map[string]*core.RateLimitState

	// limitsMu guards Limits and Margin once the limiter is shared.
	limitsMu sync.RWMutex
}

// RateLimit represents a rate limit window.
type RateLimit struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// RateLimitStore persists rate limit state between processes.
type RateLimitStore interface {
	GetRateLimit(ctx context.Context, key string) (*core.RateLimitState, error)
	UpdateRateLimit(ctx context.Context, key string, state *core.RateLimitState) error
}

// DefaultLimit mirrors the Companies House policy of 600 requests per rolling
// five minutes.
var DefaultLimit = RateLimit{RequestsPerWindow: 600, WindowDuration: 5 * time.Minute}

// TryAcquire consumes one request from the key's budget when available.
func (r *RateLimiter) TryAcquire(key string) core.RateLimitStatus {
	if r == nil {
		return core.RateLimitStatus{Key: key, Allowed: true}
	}

	now := r.now()
	limit := r.getLimit(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.stateLocked(key, now, limit)
	if state.BackingOff(now) {
		return newStatus(key, false, 0, limit, *state.BackoffUntil)
	}
	state.BackoffUntil = nil

	windowEnd := state.WindowStart.Add(limit.WindowDuration)
	if state.RequestCount >= limit.RequestsPerWindow {
		return newStatus(key, false, 0, limit, windowEnd)
	}

	state.RequestCount++
	return newStatus(key, true, limit.RequestsPerWindow-state.RequestCount, limit, windowEnd)
}

// Status reports the key's budget without consuming it.
func (r *RateLimiter) Status(key string) core.RateLimitStatus {
	if r == nil {
		return core.RateLimitStatus{Key: key, Allowed: true}
	}

	now := r.now()
	limit := r.getLimit(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[key]
	if !ok {
		return newStatus(key, true, limit.RequestsPerWindow, limit, now)
	}
	if state.BackingOff(now) {
		return newStatus(key, false, 0, limit, *state.BackoffUntil)
	}

	windowEnd := state.WindowStart.Add(limit.WindowDuration)
	if !now.Before(windowEnd) {
		return newStatus(key, true, limit.RequestsPerWindow, limit, now)
	}

	remaining := limit.RequestsPerWindow - state.RequestCount
	if remaining < 0 {
		remaining = 0
	}
	return newStatus(key, remaining > 0, remaining, limit, windowEnd)
}

// Record429 applies a backoff window from an upstream 429 response. Without a
// Retry-After hint the rest of the current window is treated as spent.
func (r *RateLimiter) Record429(key string, retryAfter time.Duration) {
	if r == nil {
		return
	}

	now := r.now()
	limit := r.getLimit(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.stateLocked(key, now, limit)
	state.Last429At = &now
	if retryAfter > 0 {
		until := now.Add(retryAfter)
		state.BackoffUntil = &until
		return
	}
	state.RequestCount = limit.RequestsPerWindow
}

// Backoff returns the end of the key's 429 backoff when one is in force.
func (r *RateLimiter) Backoff(key string) (time.Time, bool) {
	if r == nil {
		return time.Time{}, false
	}

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[key]
	if !ok || !state.BackingOff(now) {
		return time.Time{}, false
	}
	return *state.BackoffUntil, true
}

// Reset drops the state for a key, restoring its full budget.
func (r *RateLimiter) Reset(key string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, key)
}

// Keys lists the partition keys with live state, sorted.
func (r *RateLimiter) Keys() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.states))
	for key := range r.states {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Sweep evicts keys whose window and backoff ended at least IdleTTL ago.
func (r *RateLimiter) Sweep() int {
	if r == nil {
		return 0
	}

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for key, state := range r.states {
		idleSince := state.WindowStart.Add(r.getLimit(key).WindowDuration)
		if state.BackoffUntil != nil && state.BackoffUntil.After(idleSince) {
			idleSince = *state.BackoffUntil
		}
		if now.Sub(idleSince) >= r.IdleTTL {
			delete(r.states, key)
			evicted++
		}
	}
	return evicted
}

// StartJanitor sweeps idle keys periodically until ctx is cancelled.
func (r *RateLimiter) StartJanitor(ctx context.Context, every time.Duration) {
	if r == nil || every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := r.Sweep(); n > 0 && r.Logger != nil {
					r.Logger.Debug("Evicted idle rate limit keys", zap.Int("evicted", n))
				}
			}
		}
	}()
}

// Load restores persisted state for the given keys.
func (r *RateLimiter) Load(ctx context.Context, store RateLimitStore, keys ...string) error {
	if r == nil || store == nil {
		return nil
	}

	for _, key := range keys {
		state, err := store.GetRateLimit(ctx, key)
		if err != nil {
			return err
		}
		if state == nil {
			continue
		}

		r.mu.Lock()
		if r.states == nil {
			r.states = make(map[string]*core.RateLimitState)
		}
		restored := *state
		r.states[key] = &restored
		r.mu.Unlock()
	}
	return nil
}

// Persist writes every live key's state to the store.
func (r *RateLimiter) Persist(ctx context.Context, store RateLimitStore) error {
	if r == nil || store == nil {
		return nil
	}

	r.mu.Lock()
	snapshot := make(map[string]core.RateLimitState, len(r.states))
	for key, state := range r.states {
		snapshot[key] = *state
	}
	r.mu.Unlock()

	for key, state := range snapshot {
		state := state
		if err := store.UpdateRateLimit(ctx, key, &state); err != nil {
			return err
		}
	}
	return nil
}

// ApplyOverrides sets per-key request budgets that share the default window.
func (r *RateLimiter) ApplyOverrides(overrides map[string]int) {
	if r == nil || len(overrides) == 0 {
		return
	}

	r.limitsMu.Lock()
	defer r.limitsMu.Unlock()

	if r.Limits == nil {
		r.Limits = make(map[string]RateLimit, len(overrides))
	}

	window := r.defaultLimit().WindowDuration
	for key, value := range overrides {
		key = strings.TrimSpace(key)
		if key == "" || value <= 0 {
			continue
		}
		r.Limits[key] = RateLimit{
			RequestsPerWindow: value,
			WindowDuration:    window,
		}
	}
}

// ApplySafetyMargin adjusts the effective request limits by a ratio (0-1].
func (r *RateLimiter) ApplySafetyMargin(margin float64) {
	if r == nil {
		return
	}
	if margin <= 0 || margin > 1 {
		return
	}
	r.limitsMu.Lock()
	r.Margin = margin
	r.limitsMu.Unlock()
}

// Limit returns the effective limit for a key after the safety margin.
func (r *RateLimiter) Limit(key string) RateLimit {
	return r.getLimit(key)
}

func (r *RateLimiter) stateLocked(key string, now time.Time, limit RateLimit) *core.RateLimitState {
	if r.states == nil {
		r.states = make(map[string]*core.RateLimitState)
	}

	state, ok := r.states[key]
	if !ok {
		state = &core.RateLimitState{WindowStart: now}
		r.states[key] = state
		return state
	}

	if !now.Before(state.WindowStart.Add(limit.WindowDuration)) {
		state.RequestCount = 0
		state.WindowStart = now
	}
	return state
}

func (r *RateLimiter) getLimit(key string) RateLimit {
	if r == nil {
		return DefaultLimit
	}

	r.limitsMu.RLock()
	defer r.limitsMu.RUnlock()

	if limit, ok := r.Limits[key]; ok && limit.RequestsPerWindow > 0 && limit.WindowDuration > 0 {
		return r.applyMargin(limit)
	}
	return r.applyMargin(r.defaultLimit())
}

func (r *RateLimiter) defaultLimit() RateLimit {
	if r.Default.RequestsPerWindow > 0 && r.Default.WindowDuration > 0 {
		return r.Default
	}
	return DefaultLimit
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func (r *RateLimiter) applyMargin(limit RateLimit) RateLimit {
	if r == nil || r.Margin <= 0 || r.Margin > 1 {
		return limit
	}
	adjusted := int(math.Floor(float64(limit.RequestsPerWindow) * r.Margin))
	if adjusted < 1 {
		adjusted = 1
	}
	limit.RequestsPerWindow = adjusted
	return limit
}

func newStatus(key string, allowed bool, remaining int, limit RateLimit, resetAt time.Time) core.RateLimitStatus {
	return core.RateLimitStatus{
		Key:            key,
		Allowed:        allowed,
		Remaining:      remaining,
		Limit:          limit.RequestsPerWindow,
		ResetAt:        resetAt,
		ResetAtEpochMs: resetAt.UnixMilli(),
	}
}
