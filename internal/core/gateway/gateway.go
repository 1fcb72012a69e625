// Package gateway translates company-registry intents into budgeted upstream
// calls and upstream JSON into domain records.
package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/core/cache"
	"github.com/nexusai/chgate/internal/core/engine"
	"github.com/nexusai/chgate/internal/core/upstream"
	"github.com/nexusai/chgate/internal/metrics"
)

const (
	searchEndpoint = "/search/companies"

	defaultSlowThreshold   = 2 * time.Second
	defaultInvalidatePages = 5
	healthProbeQuery       = "limited"
)

// Default cache lifetimes per record category.
var DefaultTTLs = TTLs{
	Search:   5 * time.Minute,
	Profile:  24 * time.Hour,
	Officers: 6 * time.Hour,
	PSC:      6 * time.Hour,
}

// Requester executes one logical upstream call. *upstream.Client implements it.
type Requester interface {
	Request(ctx context.Context, endpoint string, params map[string]string, opts upstream.RequestOptions) (*upstream.RawResponse, error)
}

// TTLs holds cache lifetimes per record category. Zero values fall back to
// DefaultTTLs.
type TTLs struct {
	Search   time.Duration
	Profile  time.Duration
	Officers time.Duration
	PSC      time.Duration
}

// Gateway is safe for concurrent use. Limiter and Cache are the same instances
// the Client was built with; the gateway reads them for status reporting and
// invalidation only.
type Gateway struct {
	Client       Requester
	Limiter      *engine.RateLimiter
	Cache        cache.ResponseCache
	TTLs         TTLs
	ItemsPerPage int
	RateLimitKey string
	Logger       *logging.Logger
	Clock        func() time.Time

	// SlowThreshold marks a successful health probe as degraded.
	SlowThreshold time.Duration
	// InvalidatePages bounds how many officer and PSC pages InvalidateCompany
	// drops.
	InvalidatePages int
}

// SearchCompanies returns one page of companies matching query.
func (g *Gateway) SearchCompanies(ctx context.Context, query string, page int) (*core.SearchResultPage, error) {
	const op = "search"

	q, err := normalizeQuery(query)
	if err != nil {
		return nil, g.fail(op, err)
	}
	page, err = normalizePage(page)
	if err != nil {
		return nil, g.fail(op, err)
	}
	ipp := g.itemsPerPage()
	params := pageParams(page, ipp)
	params["q"] = q

	var payload searchResponse
	prov, err := g.fetch(ctx, op, searchEndpoint, params, g.ttls().Search, &payload)
	if err != nil {
		return nil, g.fail(op, err)
	}

	metrics.RecordOperation(op, true)
	return payload.toPage(q, page, ipp, prov), nil
}

// GetCompanyProfile returns the registry record for number.
func (g *Gateway) GetCompanyProfile(ctx context.Context, number string) (*core.CompanyProfile, error) {
	const op = "profile"

	normalized, err := NormalizeCompanyNumber(number)
	if err != nil {
		return nil, g.fail(op, err)
	}

	var payload profileResponse
	prov, err := g.fetch(ctx, op, profileEndpoint(normalized), nil, g.ttls().Profile, &payload)
	if err != nil {
		return nil, g.fail(op, err)
	}

	metrics.RecordOperation(op, true)
	return payload.toProfile(normalized, prov), nil
}

// GetOfficers returns one page of officer appointments with active and
// resigned counts computed from the page items.
func (g *Gateway) GetOfficers(ctx context.Context, number string, page int) (*core.OfficerPage, error) {
	const op = "officers"

	normalized, err := NormalizeCompanyNumber(number)
	if err != nil {
		return nil, g.fail(op, err)
	}
	page, err = normalizePage(page)
	if err != nil {
		return nil, g.fail(op, err)
	}
	ipp := g.itemsPerPage()

	var payload officersResponse
	prov, err := g.fetch(ctx, op, officersEndpoint(normalized), pageParams(page, ipp), g.ttls().Officers, &payload)
	if err != nil {
		return nil, g.fail(op, err)
	}

	metrics.RecordOperation(op, true)
	return payload.toPage(normalized, page, ipp, prov), nil
}

// GetPSCs returns one page of persons with significant control. Companies
// without a PSC register yield an empty page with Absent set.
func (g *Gateway) GetPSCs(ctx context.Context, number string, page int) (*core.PSCPage, error) {
	const op = "psc"

	normalized, err := NormalizeCompanyNumber(number)
	if err != nil {
		return nil, g.fail(op, err)
	}
	page, err = normalizePage(page)
	if err != nil {
		return nil, g.fail(op, err)
	}
	ipp := g.itemsPerPage()

	var payload pscResponse
	prov, err := g.fetch(ctx, op, pscEndpoint(normalized), pageParams(page, ipp), g.ttls().PSC, &payload)
	if err != nil {
		if upstream.IsNotFound(err) {
			metrics.RecordOperation(op, true)
			return &core.PSCPage{
				CompanyNumber: normalized,
				Page:          page,
				ItemsPerPage:  ipp,
				StartIndex:    startIndex(page, ipp),
				Absent:        true,
				Items:         []core.PSCRecord{},
				Provenance:    core.Provenance{FetchedAt: g.now(), Source: "upstream"},
			}, nil
		}
		return nil, g.fail(op, err)
	}

	metrics.RecordOperation(op, true)
	return payload.toPage(normalized, page, ipp, prov), nil
}

// HealthCheck issues an uncached single-item search and reports reachability
// together with the remaining budget. It spends one unit of budget.
func (g *Gateway) HealthCheck(ctx context.Context) core.HealthStatus {
	started := time.Now()
	params := map[string]string{
		"q":              healthProbeQuery,
		"items_per_page": "1",
		"start_index":    "0",
	}
	_, err := g.Client.Request(ctx, searchEndpoint, params, upstream.RequestOptions{
		RateLimitKey: g.rateLimitKey(ctx),
		Operation:    "health",
		NoCache:      true,
	})
	elapsed := time.Since(started)

	status := core.HealthStatus{
		Status:             core.HealthOK,
		LatencyMs:          elapsed.Milliseconds(),
		RateLimitRemaining: g.Limiter.Status(g.rateLimitKey(ctx)).Remaining,
		CheckedAt:          g.now(),
	}

	switch {
	case err != nil && upstream.IsRateLimited(err):
		status.Status = core.HealthRateLimited
		status.Error = err.Error()
	case err != nil:
		status.Status = core.HealthDown
		status.Error = err.Error()
	case elapsed > g.slowThreshold():
		status.Status = core.HealthDegraded
	}

	metrics.RecordHealthCheck("upstream", err == nil, elapsed)
	return status
}

// RateLimitStatus reports the budget for key without consuming it. An empty
// key reports the default partition.
func (g *Gateway) RateLimitStatus(key string) core.RateLimitStatus {
	key = strings.TrimSpace(key)
	if key == "" {
		key = g.defaultRateLimitKey()
	}
	return g.Limiter.Status(key)
}

// CacheStats reports the live cache entries.
func (g *Gateway) CacheStats(ctx context.Context) (core.CacheStats, error) {
	if g.Cache == nil {
		return core.CacheStats{Entries: []core.CacheEntryStat{}}, nil
	}
	stats, err := g.Cache.Stats(ctx)
	if err != nil {
		return core.CacheStats{}, &upstream.CacheError{Op: "stats", Err: err}
	}
	return stats, nil
}

// InvalidateCompany drops the cached profile and the first officer and PSC
// pages for number. It returns the number of keys removed from the cache.
func (g *Gateway) InvalidateCompany(ctx context.Context, number string) (int, error) {
	normalized, err := NormalizeCompanyNumber(number)
	if err != nil {
		return 0, err
	}
	if g.Cache == nil {
		return 0, nil
	}

	keys := []string{upstream.CacheKey(profileEndpoint(normalized), nil)}
	ipp := g.itemsPerPage()
	for page := 1; page <= g.invalidatePages(); page++ {
		params := pageParams(page, ipp)
		keys = append(keys,
			upstream.CacheKey(officersEndpoint(normalized), params),
			upstream.CacheKey(pscEndpoint(normalized), params),
		)
	}

	for _, key := range keys {
		if err := g.Cache.Invalidate(ctx, key); err != nil {
			return 0, &upstream.CacheError{Op: "invalidate", Err: err}
		}
	}
	return len(keys), nil
}

func (g *Gateway) fetch(ctx context.Context, op, endpoint string, params map[string]string, ttl time.Duration, out any) (core.Provenance, error) {
	resp, err := g.Client.Request(ctx, endpoint, params, upstream.RequestOptions{
		CacheKey:     upstream.CacheKey(endpoint, params),
		CacheTTL:     ttl,
		RateLimitKey: g.rateLimitKey(ctx),
		Operation:    op,
	})
	if err != nil {
		return core.Provenance{}, err
	}
	if err := resp.Decode(endpoint, out); err != nil {
		if g.Cache != nil {
			_ = g.Cache.Invalidate(ctx, upstream.CacheKey(endpoint, params))
		}
		return core.Provenance{}, err
	}
	return resp.Provenance, nil
}

func (g *Gateway) fail(op string, err error) error {
	kind := upstream.KindOf(err)
	metrics.RecordOperation(op, false)
	metrics.RecordOperationError(op, string(kind))
	if g.Logger != nil {
		g.Logger.Debug("gateway operation failed",
			zap.String("operation", op),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	return err
}

func (g *Gateway) rateLimitKey(ctx context.Context) string {
	if key, ok := RateLimitKeyFrom(ctx); ok {
		return key
	}
	return g.defaultRateLimitKey()
}

func (g *Gateway) defaultRateLimitKey() string {
	if key := strings.TrimSpace(g.RateLimitKey); key != "" {
		return key
	}
	return upstream.DefaultRateLimitKey
}

func (g *Gateway) ttls() TTLs {
	t := g.TTLs
	if t.Search <= 0 {
		t.Search = DefaultTTLs.Search
	}
	if t.Profile <= 0 {
		t.Profile = DefaultTTLs.Profile
	}
	if t.Officers <= 0 {
		t.Officers = DefaultTTLs.Officers
	}
	if t.PSC <= 0 {
		t.PSC = DefaultTTLs.PSC
	}
	return t
}

func (g *Gateway) itemsPerPage() int {
	return clampItemsPerPage(g.ItemsPerPage)
}

func (g *Gateway) slowThreshold() time.Duration {
	if g.SlowThreshold > 0 {
		return g.SlowThreshold
	}
	return defaultSlowThreshold
}

func (g *Gateway) invalidatePages() int {
	if g.InvalidatePages > 0 {
		return g.InvalidatePages
	}
	return defaultInvalidatePages
}

func (g *Gateway) now() time.Time {
	if g.Clock != nil {
		return g.Clock()
	}
	return time.Now().UTC()
}

func pageParams(page, itemsPerPage int) map[string]string {
	return map[string]string{
		"items_per_page": strconv.Itoa(itemsPerPage),
		"start_index":    strconv.Itoa(startIndex(page, itemsPerPage)),
	}
}

func profileEndpoint(number string) string {
	return fmt.Sprintf("/company/%s", url.PathEscape(number))
}

func officersEndpoint(number string) string {
	return profileEndpoint(number) + "/officers"
}

func pscEndpoint(number string) string {
	return profileEndpoint(number) + "/persons-with-significant-control"
}
