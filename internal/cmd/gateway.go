package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/buildinfo"
	"github.com/nexusai/chgate/internal/config"
	"github.com/nexusai/chgate/internal/core/cache"
	"github.com/nexusai/chgate/internal/core/engine"
	"github.com/nexusai/chgate/internal/core/gateway"
	"github.com/nexusai/chgate/internal/core/store"
	"github.com/nexusai/chgate/internal/core/upstream"
	errwrap "github.com/nexusai/chgate/internal/errors"
	"github.com/nexusai/chgate/internal/observability"
)

const limiterJanitorInterval = time.Minute

// gatewayOptions tweak how the runtime is assembled.
type gatewayOptions struct {
	Logger  *logging.Logger
	NoCache bool
}

// gatewayRuntime owns everything the gateway was built from so the caller
// can start background work and release it in one place.
type gatewayRuntime struct {
	Gateway *gateway.Gateway
	Limiter *engine.RateLimiter
	Cache   cache.ResponseCache
	Store   *store.Store

	cfg     *config.Config
	logger  *logging.Logger
	closers []func() error
}

// newRuntime opens the store, restores the limiter and opens the configured
// cache backend. It does not talk to the upstream.
func newRuntime(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*gatewayRuntime, error) {
	if cfg == nil {
		return nil, errwrap.NewConfigInvalidError("config not loaded")
	}
	rt := &gatewayRuntime{cfg: cfg, logger: logger}

	db, err := openStoreWith(ctx, cfg.Store)
	if err != nil {
		return nil, errwrap.WrapDatabaseError(ctx, err, "open store")
	}
	rt.Store = db

	rt.Limiter = newLimiter(cfg)
	rt.Limiter.Logger = logger
	if err := restoreLimiter(ctx, rt.Limiter, db); err != nil {
		rt.warn("Failed to restore rate limit state", err)
	}

	responseCache, err := rt.openCache(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	rt.Cache = responseCache
	return rt, nil
}

// buildGateway assembles limiter, cache, upstream client and gateway from
// cfg. Rate limit state persisted by earlier processes is restored so
// separate CLI invocations share one budget.
func buildGateway(ctx context.Context, cfg *config.Config, opts gatewayOptions) (*gatewayRuntime, error) {
	if cfg == nil {
		return nil, errwrap.NewConfigInvalidError("config not loaded")
	}
	if strings.TrimSpace(cfg.Upstream.APIKey) == "" {
		prefix := GetAppIdentity().Prefix()
		return nil, errwrap.NewConfigInvalidError(fmt.Sprintf("upstream.api_key is required (set %sAPI_KEY)", prefix))
	}

	rt, err := newRuntime(ctx, cfg, opts.Logger)
	if err != nil {
		return nil, err
	}
	responseCache := rt.Cache

	client := &upstream.Client{
		BaseURL:      cfg.Upstream.BaseURL,
		APIKey:       cfg.Upstream.APIKey,
		UserAgent:    userAgent(cfg),
		Timeout:      cfg.Upstream.Timeout,
		RateLimitKey: upstream.DefaultRateLimitKey,
		Limiter:      rt.Limiter,
		Retry: engine.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      cfg.Retry.Jitter,
		},
		Logger: opts.Logger,
	}
	if !opts.NoCache {
		client.Cache = responseCache
	}

	rt.Gateway = &gateway.Gateway{
		Client:  client,
		Limiter: rt.Limiter,
		Cache:   responseCache,
		TTLs: gateway.TTLs{
			Search:   cfg.Cache.SearchTTL,
			Profile:  cfg.Cache.ProfileTTL,
			Officers: cfg.Cache.OfficersTTL,
			PSC:      cfg.Cache.PSCTTL,
		},
		ItemsPerPage: cfg.Upstream.ItemsPerPage,
		RateLimitKey: upstream.DefaultRateLimitKey,
		Logger:       opts.Logger,
	}

	return rt, nil
}

// openGateway loads config and builds the runtime for a CLI command. A
// missing API key exits with the config-invalid code.
func openGateway(ctx context.Context, noCache bool) (*gatewayRuntime, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Invalid configuration", err)
	}

	rt, err := buildGateway(ctx, cfg, gatewayOptions{Logger: observability.CLILogger, NoCache: noCache})
	if err != nil {
		if isConfigError(err) {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Invalid configuration", err)
		}
		return nil, err
	}
	return rt, nil
}

func (rt *gatewayRuntime) openCache(ctx context.Context) (cache.ResponseCache, error) {
	switch rt.cfg.Cache.Backend {
	case cache.BackendStore:
		return store.NewResponseCache(rt.Store), nil
	case cache.BackendRedis:
		r, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     rt.cfg.Redis.Addr,
			Password: rt.cfg.Redis.Password,
			DB:       rt.cfg.Redis.DB,
			PoolSize: rt.cfg.Redis.PoolSize,
			Prefix:   rt.cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, errwrap.WrapExternalService(ctx, err, "connect to redis cache")
		}
		rt.closers = append(rt.closers, r.Close)
		return r, nil
	default:
		m := cache.NewMemory()
		m.MaxEntries = rt.cfg.Cache.MaxEntries
		m.Logger = rt.logger
		return m, nil
	}
}

// StartJanitors sweeps idle limiter keys and expired cache entries until ctx
// ends.
func (rt *gatewayRuntime) StartJanitors(ctx context.Context) {
	rt.Limiter.StartJanitor(ctx, limiterJanitorInterval)

	every := rt.cfg.Cache.SweepInterval
	if every <= 0 {
		return
	}
	switch c := rt.Cache.(type) {
	case *cache.Memory:
		c.StartJanitor(ctx, every)
	case *store.ResponseCache:
		go func() {
			t := time.NewTicker(every)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if n, err := c.Sweep(ctx); err != nil {
						rt.warn("Cache sweep failed", err)
					} else if n > 0 && rt.logger != nil {
						rt.logger.Debug("Swept expired cache entries", zap.Int("removed", n))
					}
				}
			}
		}()
	}
}

// PersistLimiter snapshots rate limit state into the store.
func (rt *gatewayRuntime) PersistLimiter(ctx context.Context) error {
	if rt == nil || rt.Store == nil {
		return nil
	}
	return rt.Limiter.Persist(ctx, rt.Store)
}

// Close persists limiter state and releases connections.
func (rt *gatewayRuntime) Close(ctx context.Context) error {
	if rt == nil {
		return nil
	}

	var errs []error
	if err := rt.PersistLimiter(ctx); err != nil {
		errs = append(errs, fmt.Errorf("persist rate limits: %w", err))
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newLimiter(cfg *config.Config) *engine.RateLimiter {
	limiter := &engine.RateLimiter{
		Default: engine.RateLimit{
			RequestsPerWindow: cfg.RateLimit.Requests,
			WindowDuration:    cfg.RateLimit.Window,
		},
		Margin:  cfg.RateLimit.Margin,
		IdleTTL: cfg.RateLimit.IdleTTL,
	}
	limiter.ApplyOverrides(cfg.RateLimit.Overrides)
	return limiter
}

// restoreLimiter loads every key the store holds state for.
func restoreLimiter(ctx context.Context, limiter *engine.RateLimiter, db *store.Store) error {
	entries, err := db.ListRateLimits(ctx, store.RateLimitQuery{All: true})
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.Key)
	}
	return limiter.Load(ctx, db, keys...)
}

func (rt *gatewayRuntime) warn(msg string, err error) {
	if rt.logger != nil {
		rt.logger.Warn(msg, zap.Error(err))
	}
}

func userAgent(cfg *config.Config) string {
	ua := strings.TrimSpace(cfg.Upstream.UserAgent)
	if ua == "" {
		ua = "chgate"
		if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
			ua = identity.BinaryName
		}
	}
	return buildinfo.UserAgent(ua)
}

func isConfigError(err error) bool {
	var envelope *gferrors.ErrorEnvelope
	return errors.As(err, &envelope) && envelope.Code == "CONFIG_INVALID"
}
