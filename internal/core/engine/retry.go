package engine

import (
	"math/rand/v2"
	"time"

	"github.com/nexusai/chgate/internal/core"
)

// RetryPolicy decides whether a failed upstream attempt should be retried and
// how long to wait first. It performs no I/O.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	Rand        func() float64
}

// RetryDecision is the outcome of a single ShouldRetry call.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// DefaultRetryPolicy allows three attempts with 500ms doubling backoff capped
// at 4s and ±20% jitter.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    4 * time.Second,
	Jitter:      0.2,
}

// ShouldRetry reports whether another attempt may follow attempt (1-based)
// which failed with kind.
func (p RetryPolicy) ShouldRetry(attempt int, kind core.ErrorKind) RetryDecision {
	p = p.withDefaults()

	if !kind.Transient() {
		return RetryDecision{}
	}
	if attempt < 1 || attempt >= p.MaxAttempts {
		return RetryDecision{}
	}

	return RetryDecision{Retry: true, Delay: p.jittered(p.Backoff(attempt))}
}

// Backoff returns the un-jittered delay that follows attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p RetryPolicy) jittered(delay time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return delay
	}

	random := p.Rand
	if random == nil {
		random = rand.Float64
	}

	factor := 1 + p.Jitter*(2*random()-1)
	adjusted := time.Duration(float64(delay) * factor)
	if adjusted < 0 {
		return 0
	}
	if adjusted > p.MaxDelay {
		return p.MaxDelay
	}
	return adjusted
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = DefaultRetryPolicy.Jitter
	}
	return p
}
