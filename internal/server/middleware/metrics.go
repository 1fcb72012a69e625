package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/observability"
)

// CacheStatusHeader is set by record handlers to HIT or MISS.
const CacheStatusHeader = "X-Cache"

const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// responseWriter captures status and size for the request log and metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// RoutePattern returns the matched chi route pattern, or "" outside a router.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// getEndpointPattern returns the chi route pattern so company numbers never
// become label values.
func getEndpointPattern(r *http.Request) string {
	if pattern := RoutePattern(r); pattern != "" {
		return pattern
	}

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/health"):
		return "/health/*"
	case path == "/version", path == "/metrics", path == "/":
		return path
	case strings.HasPrefix(path, "/v1/"):
		return "/v1/unknown"
	default:
		return "/unknown"
	}
}

// classifyError labels failed responses. A 503 carrying Retry-After is a
// budget denial rather than an outage.
func classifyError(status int, header http.Header) string {
	switch {
	case status == http.StatusServiceUnavailable && header.Get("Retry-After") != "":
		return "rate_limited"
	case status >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}

// RequestMetrics records per-route counters, latency and sizes, then logs the
// request with its tenant and cache outcome.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := getEndpointPattern(r)
		cacheStatus := wrapped.Header().Get(CacheStatusHeader)

		if observability.TelemetrySystem != nil {
			emitRequestMetrics(r, wrapped, endpoint, cacheStatus, duration)
		}

		if observability.ServerLogger != nil {
			observability.ServerLogger.Info("HTTP request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("endpoint", endpoint),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", duration),
				zap.Int64("response_size", wrapped.bytesWritten),
				zap.String("cache", cacheStatus),
				zap.String("tenant", sanitizeTenant(r.Header.Get(TenantHeader))),
				zap.String("requestID", GetRequestID(r.Context())),
			)
		}
	})
}

func emitRequestMetrics(r *http.Request, rw *responseWriter, endpoint, cacheStatus string, duration time.Duration) {
	labels := map[string]string{
		"method":   r.Method,
		"endpoint": endpoint,
		"status":   strconv.Itoa(rw.statusCode),
	}
	_ = observability.TelemetrySystem.Counter("http_requests_total", 1, labels)
	_ = observability.TelemetrySystem.Histogram("http_request_duration_ms", duration, labels)

	sizeLabels := map[string]string{"method": r.Method, "endpoint": endpoint}
	if r.ContentLength > 0 {
		_ = observability.TelemetrySystem.Gauge("http_request_size_bytes", float64(r.ContentLength), sizeLabels)
	}
	_ = observability.TelemetrySystem.Gauge("http_response_size_bytes", float64(rw.bytesWritten), sizeLabels)

	if cacheStatus != "" {
		_ = observability.TelemetrySystem.Counter("http_cache_responses_total", 1, map[string]string{
			"endpoint": endpoint,
			"cache":    strings.ToLower(cacheStatus),
		})
	}

	if rw.statusCode >= 400 {
		_ = observability.TelemetrySystem.Counter("http_errors_total", 1, map[string]string{
			"method":     r.Method,
			"endpoint":   endpoint,
			"status":     labels["status"],
			"error_type": classifyError(rw.statusCode, rw.Header()),
		})
	}
}
