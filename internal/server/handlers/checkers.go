package handlers

import (
	"context"
	"errors"

	"github.com/nexusai/chgate/internal/core/cache"
)

// CacheChecker reports the response cache backend as a readiness dependency.
// Backends without a Ping method are always healthy.
type CacheChecker struct {
	Cache cache.ResponseCache
}

// CheckHealth implements HealthChecker.
func (c CacheChecker) CheckHealth(ctx context.Context) error {
	if c.Cache == nil {
		return errors.New("response cache not configured")
	}
	if pinger, ok := c.Cache.(cache.Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}
