package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fulmenhq/gofulmen/errors"
)

const (
	defaultThrottleIdleTTL = 15 * time.Minute
	throttleMessage        = "too many requests from this client, slow down"
)

// Throttle is a per-client token bucket guarding inbound traffic. It protects
// the shared upstream budget from a single noisy caller; it does not replace
// the upstream rate limiter.
type Throttle struct {
	RPS     float64
	Burst   int
	IdleTTL time.Duration
	// KeyFunc identifies the client. Defaults to the remote IP, which RealIP
	// has already resolved from forwarding headers.
	KeyFunc func(r *http.Request) string

	mu      sync.Mutex
	clients map[string]*throttleEntry
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle builds a throttle with rps tokens per second and the given burst.
func NewThrottle(rps float64, burst int) *Throttle {
	return &Throttle{RPS: rps, Burst: burst}
}

// Middleware rejects requests once the client's bucket is empty. A throttle
// with a non-positive RPS passes everything through.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	if t == nil || t.RPS <= 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := t.limiter(t.key(r))

		reservation := limiter.Reserve()
		if !reservation.OK() {
			t.reject(w, r, time.Second)
			return
		}
		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()
			t.reject(w, r, delay)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup drops clients idle longer than IdleTTL and returns how many.
func (t *Throttle) Cleanup() int {
	cutoff := time.Now().Add(-t.idleTTL())

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, entry := range t.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(t.clients, key)
			removed++
		}
	}
	return removed
}

// StartJanitor runs Cleanup every interval until ctx ends.
func (t *Throttle) StartJanitor(ctx context.Context, every time.Duration) {
	if t == nil || every <= 0 {
		return
	}

	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Cleanup()
			}
		}
	}()
}

// Clients returns the number of tracked clients.
func (t *Throttle) Clients() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

func (t *Throttle) limiter(key string) *rate.Limiter {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.clients == nil {
		t.clients = make(map[string]*throttleEntry)
	}
	if entry, ok := t.clients[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	burst := t.Burst
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(t.RPS)))
	}
	limiter := rate.NewLimiter(rate.Limit(t.RPS), burst)
	t.clients[key] = &throttleEntry{limiter: limiter, lastSeen: now}
	return limiter
}

func (t *Throttle) key(r *http.Request) string {
	if t.KeyFunc != nil {
		if key := t.KeyFunc(r); key != "" {
			return key
		}
	}
	return ClientIP(r)
}

func (t *Throttle) idleTTL() time.Duration {
	if t.IdleTTL > 0 {
		return t.IdleTTL
	}
	return defaultThrottleIdleTTL
}

func (t *Throttle) reject(w http.ResponseWriter, r *http.Request, wait time.Duration) {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))

	envelope := errors.NewErrorEnvelope("RATE_LIMITED", throttleMessage)
	envelope = envelope.WithCorrelationID(GetRequestID(r.Context()))
	envelope, _ = envelope.WithContext(map[string]interface{}{
		"client":          t.key(r),
		"retry_after_sec": seconds,
	})
	writeEnvelope(w, envelope, http.StatusTooManyRequests)
}

// ClientIP returns the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if addr != "" {
		return addr
	}
	return "unknown"
}
