package metrics

import (
	"strconv"
	"time"
)

// Upstream gateway metrics
const (
	UpstreamRequestsTotal     = "upstream_requests_total"
	UpstreamRequestDurationMs = "upstream_request_duration_ms"
	UpstreamRetriesTotal      = "upstream_retries_total"
	CacheLookupsTotal         = "cache_lookups_total"
	RateLimitDeniedTotal      = "rate_limit_denied_total"
	RateLimitRemaining        = "rate_limit_remaining"
)

// RecordUpstreamRequest records one HTTP attempt against the upstream API.
// statusCode is 0 when no response was received.
func RecordUpstreamRequest(endpoint string, statusCode int, kind string, duration time.Duration) {
	counter(UpstreamRequestsTotal, map[string]string{
		"endpoint": endpoint,
		"status":   strconv.Itoa(statusCode),
		"kind":     kind,
	})
	histogram(UpstreamRequestDurationMs, duration, map[string]string{"endpoint": endpoint})
}

// RecordUpstreamRetry records a scheduled retry.
func RecordUpstreamRetry(endpoint, kind string) {
	counter(UpstreamRetriesTotal, map[string]string{"endpoint": endpoint, "kind": kind})
}

// RecordCacheLookup records a cache hit, miss or error.
func RecordCacheLookup(result string) {
	counter(CacheLookupsTotal, map[string]string{"result": result})
}

// RecordRateLimitDenied records a request refused for lack of budget, either
// by the local limiter or by an upstream 429.
func RecordRateLimitDenied(key string, upstream bool) {
	counter(RateLimitDeniedTotal, map[string]string{
		"key":    key,
		"source": outcome(upstream, "upstream", "local"),
	})
}

// SetRateLimitRemaining publishes the remaining budget for key.
func SetRateLimitRemaining(key string, remaining int) {
	gauge(RateLimitRemaining, float64(remaining), map[string]string{"key": key})
}
