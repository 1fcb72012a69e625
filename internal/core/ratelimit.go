package core

import "time"

// RateLimitState is the persisted fixed-window state of one partition key.
// BackoffUntil is set after the upstream answered 429 and holds the key closed
// until then regardless of RequestCount.
type RateLimitState struct {
	RequestCount int        `json:"request_count"`
	WindowStart  time.Time  `json:"window_start"`
	BackoffUntil *time.Time `json:"backoff_until,omitempty"`
	Last429At    *time.Time `json:"last_429_at,omitempty"`
}

// BackingOff reports whether the key is held closed by an upstream 429 at now.
func (s RateLimitState) BackingOff(now time.Time) bool {
	return s.BackoffUntil != nil && now.Before(*s.BackoffUntil)
}
