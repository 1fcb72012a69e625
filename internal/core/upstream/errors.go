package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nexusai/chgate/internal/core"
)

// RateLimitExceededError is returned when the budget for a partition key is
// spent, either locally or because the upstream answered 429.
type RateLimitExceededError struct {
	Key      string
	ResetAt  time.Time
	Upstream bool
}

func (e *RateLimitExceededError) Error() string {
	source := "local"
	if e.Upstream {
		source = "upstream"
	}
	return fmt.Sprintf("rate limit exceeded for %s (%s), resets at %s", e.Key, source, e.ResetAt.UTC().Format(time.RFC3339))
}

// Kind implements the kinded error contract.
func (e *RateLimitExceededError) Kind() core.ErrorKind { return core.ErrorKindRateLimited }

// ResetAtEpochMs returns the reset time in Unix milliseconds.
func (e *RateLimitExceededError) ResetAtEpochMs() int64 {
	return e.ResetAt.UnixMilli()
}

// RetryAfter returns how long a caller should wait from now, rounded up to
// whole seconds and never below one second.
func (e *RateLimitExceededError) RetryAfter(now time.Time) time.Duration {
	wait := e.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait.Round(time.Second)
}

// TransientError is a 5xx or connection failure that outlived its retries.
type TransientError struct {
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream returned %d after %d attempt(s)", e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("upstream connection failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Kind implements the kinded error contract.
func (e *TransientError) Kind() core.ErrorKind {
	if e.StatusCode >= http.StatusInternalServerError {
		return core.ErrorKindServer
	}
	return core.ErrorKindConnection
}

// ClientError is a 4xx response. It is never retried.
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream returned %d", e.StatusCode)
}

// Kind implements the kinded error contract.
func (e *ClientError) Kind() core.ErrorKind {
	switch e.StatusCode {
	case http.StatusNotFound:
		return core.ErrorKindNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return core.ErrorKindUnauthorized
	default:
		return core.ErrorKindClient
	}
}

// TimeoutError is returned when every attempt hit the per-attempt timeout.
type TimeoutError struct {
	Timeout  time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream timed out after %s (%d attempt(s))", e.Timeout, e.Attempts)
}

// Kind implements the kinded error contract.
func (e *TimeoutError) Kind() core.ErrorKind { return core.ErrorKindTimeout }

// CacheError wraps a cache backend failure. Lookups treat it as a miss.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string { return fmt.Sprintf("cache %s: %v", e.Op, e.Err) }

func (e *CacheError) Unwrap() error { return e.Err }

// Kind implements the kinded error contract.
func (e *CacheError) Kind() core.ErrorKind { return core.ErrorKindCache }

// CanceledError is returned when the caller's context ends first.
type CanceledError struct {
	Err error
}

func (e *CanceledError) Error() string { return fmt.Sprintf("request canceled: %v", e.Err) }

func (e *CanceledError) Unwrap() error { return e.Err }

// Kind implements the kinded error contract.
func (e *CanceledError) Kind() core.ErrorKind { return core.ErrorKindCanceled }

// DecodeError is returned when an upstream payload cannot be parsed.
type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Kind implements the kinded error contract.
func (e *DecodeError) Kind() core.ErrorKind { return core.ErrorKindDecode }

// KindedError is implemented by every error this package returns, and by
// errors from callers that want to participate in KindOf.
type KindedError interface {
	error
	Kind() core.ErrorKind
}

// KindOf classifies err. Unrecognised errors fall back to transport
// inspection: timeouts, then connection failures, then unknown.
func KindOf(err error) core.ErrorKind {
	if err == nil {
		return core.ErrorKindNone
	}

	var kinded KindedError
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}

	if errors.Is(err, context.Canceled) {
		return core.ErrorKindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ErrorKindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return core.ErrorKindTimeout
		}
		return core.ErrorKindConnection
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return core.ErrorKindConnection
	}

	return core.ErrorKindUnknown
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	return KindOf(err) == core.ErrorKindNotFound
}

// IsRateLimited reports whether err is a budget denial.
func IsRateLimited(err error) bool {
	return KindOf(err) == core.ErrorKindRateLimited
}
