// Package cache provides the response cache backends used by the upstream
// client. Expiry is checked on read so no background goroutine is required;
// backends that hold memory also expose an optional sweep.
package cache

import (
	"context"
	"time"

	"github.com/nexusai/chgate/internal/core"
)

// ResponseCache stores raw upstream payloads under deterministic keys.
//
// A miss is reported as (nil, false, nil). Implementations must be safe for
// concurrent use; simultaneous writes to one key resolve last-write-wins.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	Stats(ctx context.Context) (core.CacheStats, error)
}

// Purger is implemented by backends that can drop every entry at once.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// Pinger is implemented by backends with a remote dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backend names accepted by configuration.
const (
	BackendMemory = "memory"
	BackendStore  = "store"
	BackendRedis  = "redis"
)

// entryValid reports whether an entry stored at storedAt with ttl may still be
// served at now.
func entryValid(now, storedAt time.Time, ttl time.Duration) bool {
	return now.Sub(storedAt) < ttl
}
