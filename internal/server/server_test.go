package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/core/cache"
	"github.com/nexusai/chgate/internal/core/engine"
	"github.com/nexusai/chgate/internal/core/gateway"
	"github.com/nexusai/chgate/internal/core/upstream"
	apperrors "github.com/nexusai/chgate/internal/errors"
	servermw "github.com/nexusai/chgate/internal/server/middleware"
)

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, decodeErrorBody(t, rec).Error.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/version", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, apperrors.CodeMethodNotAllowed, decodeErrorBody(t, rec).Error.Code)
}

func newGatewayServer(t *testing.T, opts ...Option) (*Server, *engine.RateLimiter) {
	t.Helper()

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"company_number": "00445790", "company_name": "TESCO PLC"}`))
	}))
	t.Cleanup(upstreamSrv.Close)

	limiter := &engine.RateLimiter{}
	mem := cache.NewMemory()
	gw := &gateway.Gateway{
		Client: &upstream.Client{
			HTTPClient: upstreamSrv.Client(),
			BaseURL:    upstreamSrv.URL,
			APIKey:     "test-key",
			Limiter:    limiter,
			Cache:      mem,
		},
		Limiter: limiter,
		Cache:   mem,
	}

	return New("127.0.0.1", 0, append([]Option{WithCompanyService(gw)}, opts...)...), limiter
}

func TestServerMountsCompanyRoutes(t *testing.T) {
	srv, limiter := newGatewayServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/companies/445790", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var profile core.CompanyProfile
	if err := json.NewDecoder(rec.Body).Decode(&profile); err != nil {
		t.Fatalf("failed to decode profile: %v", err)
	}
	if profile.CompanyName != "TESCO PLC" {
		t.Fatalf("unexpected company name %q", profile.CompanyName)
	}

	if remaining := limiter.Status(upstream.DefaultRateLimitKey).Remaining; remaining != 599 {
		t.Fatalf("expected 599 remaining, got %d", remaining)
	}
}

func TestServerTenantPartitioning(t *testing.T) {
	srv, limiter := newGatewayServer(t, WithTenantPartitioning(true))

	req := httptest.NewRequest(http.MethodGet, "/v1/companies/00445790", nil)
	req.Header.Set(servermw.TenantHeader, "acme")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if remaining := limiter.Status("tenant:acme").Remaining; remaining != 599 {
		t.Fatalf("expected tenant partition to be charged, got %d remaining", remaining)
	}
	if remaining := limiter.Status(upstream.DefaultRateLimitKey).Remaining; remaining != 600 {
		t.Fatalf("expected default partition untouched, got %d remaining", remaining)
	}
}

func TestServerThrottle(t *testing.T) {
	srv, _ := newGatewayServer(t, WithThrottle(servermw.NewThrottle(0.001, 1)))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/v1/status/rate-limit", nil)
		req.RemoteAddr = "192.0.2.10:4000"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rec.Code)
		}
	}
}

func TestServerWithoutCompanyService(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/status/cache", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a company service, got %d", rec.Code)
	}
}
