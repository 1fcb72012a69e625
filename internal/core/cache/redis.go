package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexusai/chgate/internal/core"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisMaxRetries  = 3
	defaultRedisDialTimeout = 5 * time.Second
	defaultRedisPrefix      = "chgate:cache:"
	redisScanCount          = 200
)

// RedisConfig configures the shared cache backend.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	MaxRetries  int
	DialTimeout time.Duration
	Prefix      string
}

// Redis is a ResponseCache shared by every process pointing at the same
// server. Redis key expiry reclaims memory; validity is still re-checked
// against the stored timestamp on read.
type Redis struct {
	Clock func() time.Time

	client redis.UniversalClient
	prefix string

	closeOnce sync.Once
	closeErr  error
}

type redisEnvelope struct {
	StoredAtMs int64  `json:"stored_at_ms"`
	TTLMs      int64  `json:"ttl_ms"`
	Value      []byte `json:"value"`
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	conf, err := normalizeRedisConfig(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:        conf.Addr,
		Password:    conf.Password,
		DB:          conf.DB,
		PoolSize:    conf.PoolSize,
		MaxRetries:  conf.MaxRetries,
		DialTimeout: conf.DialTimeout,
	})

	r := NewRedisWithClient(client, conf.Prefix)
	if err := r.pingWithRetry(ctx, conf.MaxRetries); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return r, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, prefix string) *Redis {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Get returns the cached value when present and unexpired.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var envelope redisEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, false, fmt.Errorf("decode cached entry: %w", err)
	}

	storedAt := time.UnixMilli(envelope.StoredAtMs)
	if !entryValid(r.now(), storedAt, time.Duration(envelope.TTLMs)*time.Millisecond) {
		return nil, false, nil
	}
	return envelope.Value, true, nil
}

// Set stores value with Redis expiry matching ttl.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	payload, err := json.Marshal(redisEnvelope{
		StoredAtMs: r.now().UnixMilli(),
		TTLMs:      ttl.Milliseconds(),
		Value:      value,
	})
	if err != nil {
		return fmt.Errorf("encode cached entry: %w", err)
	}

	if err := r.client.Set(ctx, r.prefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate deletes key.
func (r *Redis) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Stats scans the prefix and reports every live entry.
func (r *Redis) Stats(ctx context.Context) (core.CacheStats, error) {
	stats := core.CacheStats{Backend: BackendRedis, Entries: []core.CacheEntryStat{}}

	keys, err := r.scanKeys(ctx)
	if err != nil {
		return stats, err
	}
	if len(keys) == 0 {
		return stats, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return stats, fmt.Errorf("redis stats: %w", err)
	}

	now := r.now()
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var envelope redisEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}
		storedAt := time.UnixMilli(envelope.StoredAtMs)
		if !entryValid(now, storedAt, time.Duration(envelope.TTLMs)*time.Millisecond) {
			continue
		}
		stats.Entries = append(stats.Entries, core.CacheEntryStat{
			Key:       strings.TrimPrefix(keys[i], r.prefix),
			AgeMs:     now.Sub(storedAt).Milliseconds(),
			SizeBytes: len(envelope.Value),
		})
	}

	sort.Slice(stats.Entries, func(i, j int) bool {
		return stats.Entries[i].AgeMs > stats.Entries[j].AgeMs
	})
	stats.Size = len(stats.Entries)
	return stats, nil
}

// Purge deletes every key under the prefix.
func (r *Redis) Purge(ctx context.Context) (int, error) {
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis purge: %w", err)
	}
	return int(deleted), nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases Redis resources. It is idempotent.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.client.Close()
	})
	return r.closeErr
}

func (r *Redis) scanKeys(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", redisScanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (r *Redis) pingWithRetry(ctx context.Context, maxRetries int) error {
	attempts := maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := r.client.Ping(ctx).Err(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
	}

	if lastErr == nil {
		lastErr = errors.New("ping failed with unknown error")
	}
	return lastErr
}

func (r *Redis) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func normalizeRedisConfig(cfg RedisConfig) (RedisConfig, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return cfg, errors.New("redis addr is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultRedisPoolSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultRedisMaxRetries
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultRedisDialTimeout
	}
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	return cfg, nil
}
