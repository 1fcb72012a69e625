package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/core/cache"
	"github.com/nexusai/chgate/internal/core/engine"
)

// waitRecorder records retry delays and fires immediately.
type waitRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *waitRecorder) After(d time.Duration) <-chan time.Time {
	w.mu.Lock()
	w.delays = append(w.delays, d)
	w.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (w *waitRecorder) Delays() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.delays...)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *atomic.Int32, *waitRecorder) {
	t.Helper()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	waits := &waitRecorder{}
	client := &Client{
		HTTPClient: server.Client(),
		BaseURL:    server.URL,
		APIKey:     "test-key",
		Timeout:    2 * time.Second,
		Limiter:    &engine.RateLimiter{},
		Retry: engine.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    4 * time.Second,
		},
		After: waits.After,
	}
	return client, &calls, waits
}

func TestRequestSendsAuthAndHeaders(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "test-key" || pass != "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Accept") != "application/json" || r.Header.Get("X-Request-ID") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.URL.Path != "/search/companies" || r.URL.Query().Get("q") != "tesco" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"total_results":0}`))
	})

	resp, err := client.Request(context.Background(), "/search/companies", map[string]string{"q": "tesco"}, RequestOptions{})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, resp.Provenance.Attempts)
	require.Equal(t, "upstream", resp.Provenance.Source)
	require.NotEmpty(t, resp.Provenance.RequestID)
}

func TestRequestForwardsContextRequestID(t *testing.T) {
	var seen atomic.Value
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("X-Request-ID"))
		_, _ = w.Write([]byte(`{}`))
	})

	ctx := WithRequestID(context.Background(), "inbound-7")
	resp, err := client.Request(ctx, "/company/00445790", nil, RequestOptions{})
	require.NoError(t, err)
	require.Equal(t, "inbound-7", seen.Load())
	require.Equal(t, "inbound-7", resp.Provenance.RequestID)

	_, err = client.Request(WithRequestID(context.Background(), "  "), "/company/00445790", nil, RequestOptions{})
	require.NoError(t, err)
	require.NotEqual(t, "inbound-7", seen.Load())
	require.NotEmpty(t, seen.Load())
}

func TestRequestCacheHitSkipsTransport(t *testing.T) {
	client, calls, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"company_number":"00445790"}`))
	})
	client.Cache = cache.NewMemory()

	params := map[string]string{}
	opts := RequestOptions{CacheKey: CacheKey("/company/00445790", params), CacheTTL: time.Hour}

	first, err := client.Request(context.Background(), "/company/00445790", params, opts)
	require.NoError(t, err)
	require.False(t, first.Provenance.FromCache)

	second, err := client.Request(context.Background(), "/company/00445790", params, opts)
	require.NoError(t, err)
	require.True(t, second.Provenance.FromCache)
	require.JSONEq(t, string(first.Body), string(second.Body))

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 599, client.Limiter.Status(DefaultRateLimitKey).Remaining)
}

func TestRequestNoCacheBypassesLookup(t *testing.T) {
	client, calls, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	client.Cache = cache.NewMemory()

	opts := RequestOptions{CacheKey: "k", CacheTTL: time.Hour}
	_, err := client.Request(context.Background(), "/company/00000001", nil, opts)
	require.NoError(t, err)

	opts.NoCache = true
	resp, err := client.Request(context.Background(), "/company/00000001", nil, opts)
	require.NoError(t, err)
	require.False(t, resp.Provenance.FromCache)
	require.Equal(t, int32(2), calls.Load())
}

func TestRequestRetriesTransientFailures(t *testing.T) {
	var n atomic.Int32
	client, calls, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	resp, err := client.Request(context.Background(), "/company/00445790", nil, RequestOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, resp.Provenance.Attempts)
	require.Equal(t, int32(3), calls.Load())

	delays := waits.Delays()
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, delays)
	require.Less(t, delays[0], delays[1])

	// Every attempt spends budget.
	require.Equal(t, 597, client.Limiter.Status(DefaultRateLimitKey).Remaining)
}

func TestRequestExhaustsRetries(t *testing.T) {
	client, calls, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Request(context.Background(), "/company/00445790", nil, RequestOptions{})
	require.Error(t, err)

	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	require.Equal(t, http.StatusBadGateway, transient.StatusCode)
	require.Equal(t, 3, transient.Attempts)
	require.Equal(t, core.ErrorKindServer, KindOf(err))
	require.Equal(t, int32(3), calls.Load())
}

func TestRequestClientErrorIsNotRetried(t *testing.T) {
	client, calls, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[{"error":"company-profile-not-found","type":"ch:service"}]}`))
	})
	client.Cache = cache.NewMemory()

	_, err := client.Request(context.Background(), "/company/99999999", nil, RequestOptions{CacheKey: "missing", CacheTTL: time.Hour})
	require.Error(t, err)

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	require.Equal(t, http.StatusNotFound, clientErr.StatusCode)
	require.Equal(t, "company-profile-not-found", clientErr.Message)
	require.True(t, IsNotFound(err))
	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, waits.Delays())

	_, ok, err := client.Cache.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRequestUnauthorizedKind(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Invalid Authorization","type":"ch:service"}`))
	})

	_, err := client.Request(context.Background(), "/company/00445790", nil, RequestOptions{})
	require.Equal(t, core.ErrorKindUnauthorized, KindOf(err))

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	require.Equal(t, "Invalid Authorization", clientErr.Message)
}

func TestRequestUpstream429AppliesBackoff(t *testing.T) {
	client, calls, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Request(context.Background(), "/company/00445790", nil, RequestOptions{})
	require.Error(t, err)

	var limited *RateLimitExceededError
	require.ErrorAs(t, err, &limited)
	require.True(t, limited.Upstream)
	require.True(t, IsRateLimited(err))
	require.Equal(t, int32(1), calls.Load())

	status := client.Limiter.Status(DefaultRateLimitKey)
	require.False(t, status.Allowed)

	_, err = client.Request(context.Background(), "/company/00445790", nil, RequestOptions{})
	require.ErrorAs(t, err, &limited)
	require.False(t, limited.Upstream)
	require.Equal(t, int32(1), calls.Load())
}

func TestRequestTenant429BacksOffSharedPartition(t *testing.T) {
	var throttle atomic.Bool
	throttle.Store(true)
	client, calls, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if throttle.Load() {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	ctx := context.Background()

	_, err := client.Request(ctx, "/company/00445790", nil, RequestOptions{RateLimitKey: "tenant-a"})
	var limited *RateLimitExceededError
	require.ErrorAs(t, err, &limited)
	require.True(t, limited.Upstream)
	require.Equal(t, int32(1), calls.Load())

	_, shared := client.Limiter.Backoff(DefaultRateLimitKey)
	require.True(t, shared)

	throttle.Store(false)
	for _, key := range []string{"tenant-b", ""} {
		_, err = client.Request(ctx, "/company/00445790", nil, RequestOptions{RateLimitKey: key})
		require.ErrorAs(t, err, &limited, "partition %q", key)
		require.False(t, limited.Upstream)
		require.Positive(t, limited.ResetAtEpochMs())
	}
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 600, client.Limiter.Status("tenant-b").Remaining)

	client.Limiter.Reset(DefaultRateLimitKey)
	_, err = client.Request(ctx, "/company/00445790", nil, RequestOptions{RateLimitKey: "tenant-b"})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestRequestDeniedWithoutBudget(t *testing.T) {
	client, calls, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	client.Limiter = &engine.RateLimiter{Default: engine.RateLimit{RequestsPerWindow: 1, WindowDuration: time.Minute}}

	_, err := client.Request(context.Background(), "/company/00000001", nil, RequestOptions{})
	require.NoError(t, err)

	_, err = client.Request(context.Background(), "/company/00000002", nil, RequestOptions{})
	var limited *RateLimitExceededError
	require.ErrorAs(t, err, &limited)
	require.Equal(t, DefaultRateLimitKey, limited.Key)
	require.Greater(t, limited.ResetAtEpochMs(), int64(0))
	require.Equal(t, int32(1), calls.Load())

	// A separate partition still has budget.
	_, err = client.Request(context.Background(), "/company/00000002", nil, RequestOptions{RateLimitKey: "tenant-b"})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestRequestAttemptTimeout(t *testing.T) {
	client, calls, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	client.Timeout = 50 * time.Millisecond
	client.Retry.MaxAttempts = 2

	_, err := client.Request(context.Background(), "/company/00445790", nil, RequestOptions{})
	require.Error(t, err)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, 2, timeoutErr.Attempts)
	require.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
	require.Equal(t, core.ErrorKindTimeout, KindOf(err))
	require.Equal(t, int32(2), calls.Load())
}

func TestRequestCancelDuringRetryWait(t *testing.T) {
	client, calls, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx, cancel := context.WithCancel(context.Background())
	client.After = func(time.Duration) <-chan time.Time {
		cancel()
		return make(chan time.Time)
	}

	_, err := client.Request(ctx, "/company/00445790", nil, RequestOptions{})
	require.Error(t, err)

	var canceled *CanceledError
	require.ErrorAs(t, err, &canceled)
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, core.ErrorKindCanceled, KindOf(err))
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 599, client.Limiter.Status(DefaultRateLimitKey).Remaining)
}

func TestRequestCanceledBeforeStart(t *testing.T) {
	client, calls, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Request(ctx, "/company/00445790", nil, RequestOptions{})
	require.Equal(t, core.ErrorKindCanceled, KindOf(err))
	require.Equal(t, int32(0), calls.Load())
}

func TestConnectionFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	waits := &waitRecorder{}
	client := &Client{
		BaseURL: baseURL,
		Timeout: time.Second,
		Limiter: &engine.RateLimiter{},
		After:   waits.After,
	}

	_, err := client.Request(context.Background(), "/company/00445790", nil, RequestOptions{})
	require.Error(t, err)

	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	require.Equal(t, 0, transient.StatusCode)
	require.Equal(t, core.ErrorKindConnection, KindOf(err))
	require.Len(t, waits.Delays(), 2)
}

type failingCache struct{ cache.ResponseCache }

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("backend down")
}

func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("backend down")
}

func TestCacheFailureIsTreatedAsMiss(t *testing.T) {
	client, calls, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	client.Cache = failingCache{}

	resp, err := client.Request(context.Background(), "/company/00445790", nil, RequestOptions{CacheKey: "k", CacheTTL: time.Minute})
	require.NoError(t, err)
	require.False(t, resp.Provenance.FromCache)
	require.Equal(t, int32(1), calls.Load())
}

func TestCacheKeyIgnoresParamOrder(t *testing.T) {
	a := CacheKey("/search/companies", map[string]string{"q": "tesco", "start_index": "0"})
	b := CacheKey("/search/companies", map[string]string{"start_index": "0", "q": "tesco"})
	c := CacheKey("/search/companies", map[string]string{"q": "tesco", "start_index": "20"})

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 64)
}

func TestKindOf(t *testing.T) {
	require.Equal(t, core.ErrorKindNone, KindOf(nil))
	require.Equal(t, core.ErrorKindCanceled, KindOf(context.Canceled))
	require.Equal(t, core.ErrorKindTimeout, KindOf(context.DeadlineExceeded))
	require.Equal(t, core.ErrorKindUnknown, KindOf(errors.New("boom")))
	require.Equal(t, core.ErrorKindClient, KindOf(&ClientError{StatusCode: http.StatusBadRequest}))
	require.Equal(t, core.ErrorKindDecode, KindOf(&DecodeError{Endpoint: "x", Err: errors.New("bad")}))
}

func TestRetryAfterHeader(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	resp := &http.Response{Header: http.Header{}}
	require.Equal(t, time.Duration(0), retryAfterHeader(resp, now))

	resp.Header.Set("Retry-After", "120")
	require.Equal(t, 2*time.Minute, retryAfterHeader(resp, now))

	resp.Header.Set("Retry-After", now.Add(time.Minute).Format(http.TimeFormat))
	require.Equal(t, time.Minute, retryAfterHeader(resp, now))

	resp.Header.Set("Retry-After", "soon")
	require.Equal(t, time.Duration(0), retryAfterHeader(resp, now))

	for _, invalid := range []string{"-5", "1.5", "+30", "30s"} {
		resp.Header.Set("Retry-After", invalid)
		require.Equal(t, time.Duration(0), retryAfterHeader(resp, now), "Retry-After %q", invalid)
	}
}
