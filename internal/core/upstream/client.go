// Package upstream executes budgeted, cached and retried GET requests against
// the Companies House REST API.
package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/core/cache"
	"github.com/nexusai/chgate/internal/core/engine"
	"github.com/nexusai/chgate/internal/metrics"
)

const (
	// DefaultBaseURL is the public Companies House API.
	DefaultBaseURL = "https://api.company-information.service.gov.uk"
	// DefaultRateLimitKey is the shared budget partition.
	DefaultRateLimitKey = "companies-house"
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 10 * time.Second

	defaultUserAgent = "chgate"
	maxBodyBytes     = 8 << 20

	sourceCache    = "cache"
	sourceUpstream = "upstream"
)

// Client is safe for concurrent use. Zero-valued optional fields fall back to
// defaults; a nil Limiter or Cache disables that stage.
type Client struct {
	HTTPClient   *http.Client
	BaseURL      string
	APIKey       string
	UserAgent    string
	Timeout      time.Duration
	RateLimitKey string

	Limiter *engine.RateLimiter
	Cache   cache.ResponseCache
	Retry   engine.RetryPolicy
	Logger  *logging.Logger

	Clock func() time.Time
	// After schedules retry waits. Tests replace it to record delays.
	After func(time.Duration) <-chan time.Time
}

// RequestOptions control caching and budget partitioning for one request.
type RequestOptions struct {
	CacheKey     string
	CacheTTL     time.Duration
	RateLimitKey string
	// Operation labels metrics, e.g. "profile". Defaults to "request".
	Operation string
	// NoCache skips the cache lookup and write.
	NoCache bool
}

func (o RequestOptions) operation() string {
	if op := strings.TrimSpace(o.Operation); op != "" {
		return op
	}
	return "request"
}

// RawResponse is an undecoded 2xx payload.
type RawResponse struct {
	StatusCode int
	Body       []byte
	Provenance core.Provenance
}

// Decode unmarshals the body into out.
func (r *RawResponse) Decode(endpoint string, out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return &DecodeError{Endpoint: endpoint, Err: err}
	}
	return nil
}

// Request performs a GET of endpoint with params. It consults the cache,
// spends one unit of budget per attempt, and retries transient failures.
func (c *Client) Request(ctx context.Context, endpoint string, params map[string]string, opts RequestOptions) (*RawResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	requestID, ok := RequestIDFrom(ctx)
	if !ok {
		requestID = uuid.NewString()
	}
	useCache := c.Cache != nil && !opts.NoCache && opts.CacheKey != ""

	if useCache {
		if cached := c.lookup(ctx, opts.CacheKey, requestID); cached != nil {
			return cached, nil
		}
	}

	target, err := c.buildURL(endpoint, params)
	if err != nil {
		return nil, err
	}

	key := c.rateLimitKey(opts)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &CanceledError{Err: err}
		}

		if until, ok := c.sharedBackoff(key); ok {
			metrics.RecordRateLimitDenied(key, false)
			c.debug("shared upstream backoff", zap.String("key", key), zap.Time("reset_at", until))
			return nil, &RateLimitExceededError{Key: key, ResetAt: until}
		}

		status := c.Limiter.TryAcquire(key)
		metrics.SetRateLimitRemaining(key, status.Remaining)
		if !status.Allowed {
			metrics.RecordRateLimitDenied(key, false)
			c.debug("rate limit denied", zap.String("key", key), zap.Time("reset_at", status.ResetAt))
			return nil, &RateLimitExceededError{Key: key, ResetAt: status.ResetAt}
		}

		resp, err := c.attempt(ctx, opts.operation(), target, key, requestID, attempt)
		if err == nil {
			resp.Provenance.Attempts = attempt
			if useCache && opts.CacheTTL > 0 {
				if setErr := c.Cache.Set(ctx, opts.CacheKey, resp.Body, opts.CacheTTL); setErr != nil {
					c.warn("cache write failed", &CacheError{Op: "set", Err: setErr})
				}
			}
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &CanceledError{Err: ctxErr}
		}

		kind := KindOf(err)
		decision := c.Retry.ShouldRetry(attempt, kind)
		if !decision.Retry {
			return nil, err
		}

		metrics.RecordUpstreamRetry(opts.operation(), string(kind))
		c.debug("retrying upstream request",
			zap.String("endpoint", endpoint),
			zap.String("request_id", requestID),
			zap.Int("attempt", attempt),
			zap.String("kind", string(kind)),
			zap.Duration("delay", decision.Delay),
		)

		select {
		case <-ctx.Done():
			return nil, &CanceledError{Err: ctx.Err()}
		case <-c.after(decision.Delay):
		}
	}
}

func (c *Client) lookup(ctx context.Context, key, requestID string) *RawResponse {
	value, ok, err := c.Cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.RecordCacheLookup("error")
		c.warn("cache read failed", &CacheError{Op: "get", Err: err})
		return nil
	case !ok:
		metrics.RecordCacheLookup("miss")
		return nil
	}

	metrics.RecordCacheLookup("hit")
	return &RawResponse{
		StatusCode: http.StatusOK,
		Body:       value,
		Provenance: core.Provenance{
			RequestID: requestID,
			FetchedAt: c.now(),
			Source:    sourceCache,
			FromCache: true,
		},
	}
}

func (c *Client) attempt(ctx context.Context, operation, target, key, requestID string, attempt int) (*RawResponse, error) {
	timeout := c.timeout()
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.APIKey, "")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("X-Request-ID", requestID)

	started := time.Now()
	resp, err := c.httpClient().Do(req)
	if err != nil {
		failure := c.transportError(ctx, err, timeout, attempt)
		metrics.RecordUpstreamRequest(operation, 0, string(KindOf(failure)), time.Since(started))
		return nil, failure
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		failure := c.transportError(ctx, err, timeout, attempt)
		metrics.RecordUpstreamRequest(operation, resp.StatusCode, string(KindOf(failure)), time.Since(started))
		return nil, failure
	}

	var failure error
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := retryAfterHeader(resp, c.now())
		c.Limiter.Record429(key, wait)
		status := c.Limiter.Status(key)
		resetAt := status.ResetAt
		if wait > 0 {
			resetAt = c.now().Add(wait)
		}
		// The upstream throttles the API key, so every partition backs off.
		if shared := c.sharedRateLimitKey(); shared != key {
			c.Limiter.Record429(shared, resetAt.Sub(c.now()))
		}
		metrics.RecordRateLimitDenied(key, true)
		failure = &RateLimitExceededError{Key: key, ResetAt: resetAt, Upstream: true}
	case resp.StatusCode >= 500:
		failure = &TransientError{StatusCode: resp.StatusCode, Attempts: attempt}
	default:
		failure = &ClientError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	kind := KindOf(failure)
	metrics.RecordUpstreamRequest(operation, resp.StatusCode, string(kind), time.Since(started))
	c.debug("upstream response",
		zap.String("operation", operation),
		zap.String("request_id", requestID),
		zap.Int("attempt", attempt),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)
	if failure != nil {
		return nil, failure
	}

	return &RawResponse{
		StatusCode: resp.StatusCode,
		Body:       body,
		Provenance: core.Provenance{
			RequestID: requestID,
			FetchedAt: c.now(),
			Source:    sourceUpstream,
		},
	}, nil
}

// transportError classifies a failure that produced no usable response.
func (c *Client) transportError(ctx context.Context, err error, timeout time.Duration, attempt int) error {
	if ctx.Err() != nil {
		return &CanceledError{Err: ctx.Err()}
	}
	if errors.Is(err, context.DeadlineExceeded) || KindOf(err) == core.ErrorKindTimeout {
		return &TimeoutError{Timeout: timeout, Attempts: attempt}
	}
	return &TransientError{Attempts: attempt, Err: err}
}

func (c *Client) buildURL(endpoint string, params map[string]string) (string, error) {
	base, err := url.Parse(c.baseURL())
	if err != nil {
		return "", fmt.Errorf("invalid upstream base url: %w", err)
	}

	path := "/" + strings.TrimPrefix(endpoint, "/")
	base.Path = strings.TrimSuffix(base.Path, "/") + path

	if len(params) > 0 {
		query := base.Query()
		for k, v := range params {
			query.Set(k, v)
		}
		base.RawQuery = query.Encode()
	}
	return base.String(), nil
}

func (c *Client) rateLimitKey(opts RequestOptions) string {
	if key := strings.TrimSpace(opts.RateLimitKey); key != "" {
		return key
	}
	return c.sharedRateLimitKey()
}

func (c *Client) sharedRateLimitKey() string {
	if key := strings.TrimSpace(c.RateLimitKey); key != "" {
		return key
	}
	return DefaultRateLimitKey
}

// sharedBackoff reports a 429 backoff recorded on the shared partition when
// key is a tenant partition.
func (c *Client) sharedBackoff(key string) (time.Time, bool) {
	shared := c.sharedRateLimitKey()
	if key == shared {
		return time.Time{}, false
	}
	return c.Limiter.Backoff(shared)
}

func (c *Client) baseURL() string {
	if strings.TrimSpace(c.BaseURL) != "" {
		return strings.TrimSpace(c.BaseURL)
	}
	return DefaultBaseURL
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c *Client) userAgent() string {
	if strings.TrimSpace(c.UserAgent) != "" {
		return c.UserAgent
	}
	return defaultUserAgent
}

func (c *Client) after(d time.Duration) <-chan time.Time {
	if c.After != nil {
		return c.After(d)
	}
	return time.After(d)
}

func (c *Client) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now().UTC()
}

func (c *Client) debug(msg string, fields ...zap.Field) {
	if c.Logger != nil {
		c.Logger.Debug(msg, fields...)
	}
}

func (c *Client) warn(msg string, err error) {
	if c.Logger != nil {
		c.Logger.Warn(msg, zap.Error(err))
	}
}

type requestIDCtx struct{}

// WithRequestID makes upstream calls made with ctx carry id as X-Request-ID
// instead of a fresh uuid.
func WithRequestID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDCtx{}, id)
}

// RequestIDFrom returns the id stored by WithRequestID.
func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDCtx{}).(string)
	return id, ok && id != ""
}

// CacheKey derives a deterministic key from the endpoint and its query
// parameters, independent of parameter order.
func CacheKey(endpoint string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(endpoint))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(params[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func retryAfterHeader(resp *http.Response, now time.Time) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}

	retry := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retry == "" {
		return 0
	}

	// delay-seconds is a non-negative integer; anything else must be an
	// HTTP date.
	if retry[0] >= '0' && retry[0] <= '9' {
		seconds, err := strconv.Atoi(retry)
		if err != nil {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if parsed, err := http.ParseTime(retry); err == nil {
		if wait := parsed.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}

// errorMessage extracts the first error string from a Companies House error
// payload, which comes as either {"errors":[{"error":"..."}]} or
// {"error":"..."}.
func errorMessage(body []byte) string {
	var payload struct {
		Error  string `json:"error"`
		Errors []struct {
			Error string `json:"error"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if len(payload.Errors) > 0 && payload.Errors[0].Error != "" {
		return payload.Errors[0].Error
	}
	return payload.Error
}
