package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusai/chgate/internal/core/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/companies/00445790", nil)
	req.RemoteAddr = addr
	return req
}

func TestThrottleRejectsAfterBurst(t *testing.T) {
	throttle := NewThrottle(0.001, 2)
	handler := throttle.Middleware(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestFrom("10.0.0.1:5000"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestFrom("10.0.0.1:5001"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "RATE_LIMITED", body.Error.Code)

	// Another client has its own bucket.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestFrom("10.0.0.2:5000"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, throttle.Clients())
}

func TestThrottleDisabled(t *testing.T) {
	handler := NewThrottle(0, 0).Middleware(okHandler())

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestFrom("10.0.0.1:5000"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestThrottleCleanup(t *testing.T) {
	throttle := &Throttle{RPS: 10, Burst: 10, IdleTTL: time.Millisecond}
	handler := throttle.Middleware(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:5000"))
	require.Equal(t, 1, throttle.Clients())

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, throttle.Cleanup())
	assert.Equal(t, 0, throttle.Clients())
}

func TestTenantPartition(t *testing.T) {
	var seen string
	handler := TenantPartition(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = gateway.RateLimitKeyFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "  Acme Corp!! ")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "tenant:acmecorp", seen)

	seen = ""
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, seen)
}
