package core

import "time"

// ErrorKind classifies upstream failures for retry and user-facing mapping.
type ErrorKind string

const (
	ErrorKindNone         ErrorKind = ""
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindConnection   ErrorKind = "connection"
	ErrorKindServer       ErrorKind = "server_error"
	ErrorKindRateLimited  ErrorKind = "rate_limited"
	ErrorKindClient       ErrorKind = "client_error"
	ErrorKindNotFound     ErrorKind = "not_found"
	ErrorKindUnauthorized ErrorKind = "unauthorized"
	ErrorKindCanceled     ErrorKind = "canceled"
	ErrorKindCache        ErrorKind = "cache"
	ErrorKindDecode       ErrorKind = "decode"
	ErrorKindInvalidInput ErrorKind = "invalid_input"
	ErrorKindUnknown      ErrorKind = "unknown"
)

// Transient reports whether a failure of this kind may succeed on retry.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrorKindTimeout, ErrorKindConnection, ErrorKindServer:
		return true
	default:
		return false
	}
}

// Provenance captures metadata about how a record was resolved.
type Provenance struct {
	RequestID string    `json:"request_id,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	Source    string    `json:"source"`
	FromCache bool      `json:"from_cache"`
	Attempts  int       `json:"attempts,omitempty"`
}

// RateLimitStatus reports the budget of a rate-limit partition.
type RateLimitStatus struct {
	Key            string    `json:"key"`
	Allowed        bool      `json:"allowed"`
	Remaining      int       `json:"remaining"`
	Limit          int       `json:"limit"`
	ResetAt        time.Time `json:"reset_at"`
	ResetAtEpochMs int64     `json:"reset_at_epoch_ms"`
}

// CacheEntryStat describes one live cache entry.
type CacheEntryStat struct {
	Key       string `json:"key"`
	AgeMs     int64  `json:"age_ms"`
	SizeBytes int    `json:"size_bytes"`
}

// CacheStats summarises the response cache for operators.
type CacheStats struct {
	Backend string           `json:"backend"`
	Size    int              `json:"size"`
	Entries []CacheEntryStat `json:"entries"`
}

// Upstream health states.
const (
	HealthOK          = "ok"
	HealthDegraded    = "degraded"
	HealthDown        = "down"
	HealthRateLimited = "rate_limited"
)

// HealthStatus is the result of an upstream reachability probe.
type HealthStatus struct {
	Status             string    `json:"status"`
	LatencyMs          int64     `json:"latency_ms"`
	RateLimitRemaining int       `json:"rate_limit_remaining"`
	CheckedAt          time.Time `json:"checked_at"`
	Error              string    `json:"error,omitempty"`
}
