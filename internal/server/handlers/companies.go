package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/core/gateway"
	apperrors "github.com/nexusai/chgate/internal/errors"
	servermw "github.com/nexusai/chgate/internal/server/middleware"
)

// CompanyService is the gateway surface exposed over HTTP.
type CompanyService interface {
	SearchCompanies(ctx context.Context, query string, page int) (*core.SearchResultPage, error)
	GetCompanyProfile(ctx context.Context, number string) (*core.CompanyProfile, error)
	GetOfficers(ctx context.Context, number string, page int) (*core.OfficerPage, error)
	GetPSCs(ctx context.Context, number string, page int) (*core.PSCPage, error)
	HealthCheck(ctx context.Context) core.HealthStatus
	RateLimitStatus(key string) core.RateLimitStatus
	CacheStats(ctx context.Context) (core.CacheStats, error)
	InvalidateCompany(ctx context.Context, number string) (int, error)
}

// CompanyHandlers serves company lookups and operator status endpoints.
type CompanyHandlers struct {
	Service CompanyService
}

// NewCompanyHandlers wires handlers to a gateway.
func NewCompanyHandlers(service CompanyService) *CompanyHandlers {
	return &CompanyHandlers{Service: service}
}

// InvalidationResponse reports keys dropped for a company.
type InvalidationResponse struct {
	CompanyNumber string `json:"company_number"`
	KeysRemoved   int    `json:"keys_removed"`
}

// Search handles GET /v1/companies/search?q=&page=.
func (h *CompanyHandlers) Search(w http.ResponseWriter, r *http.Request) {
	page, err := pageParam(r)
	if err != nil {
		respondWithGatewayError(w, r, err)
		return
	}

	result, err := h.Service.SearchCompanies(r.Context(), r.URL.Query().Get("q"), page)
	if err != nil {
		respondWithGatewayError(w, r, err)
		return
	}
	writeRecord(w, result.Provenance, result)
}

// Profile handles GET /v1/companies/{number}.
func (h *CompanyHandlers) Profile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.Service.GetCompanyProfile(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		respondWithGatewayError(w, r, err)
		return
	}
	writeRecord(w, profile.Provenance, profile)
}

// Officers handles GET /v1/companies/{number}/officers?page=.
func (h *CompanyHandlers) Officers(w http.ResponseWriter, r *http.Request) {
	page, err := pageParam(r)
	if err != nil {
		respondWithGatewayError(w, r, err)
		return
	}

	officers, err := h.Service.GetOfficers(r.Context(), chi.URLParam(r, "number"), page)
	if err != nil {
		respondWithGatewayError(w, r, err)
		return
	}
	writeRecord(w, officers.Provenance, officers)
}

// PSC handles GET /v1/companies/{number}/psc?page=.
func (h *CompanyHandlers) PSC(w http.ResponseWriter, r *http.Request) {
	page, err := pageParam(r)
	if err != nil {
		respondWithGatewayError(w, r, err)
		return
	}

	pscs, err := h.Service.GetPSCs(r.Context(), chi.URLParam(r, "number"), page)
	if err != nil {
		respondWithGatewayError(w, r, err)
		return
	}
	writeRecord(w, pscs.Provenance, pscs)
}

// RateLimitStatus handles GET /v1/status/rate-limit?key=. Without a key it
// reports the caller's partition.
func (h *CompanyHandlers) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		key, _ = gateway.RateLimitKeyFrom(r.Context())
	}
	writeJSON(w, http.StatusOK, h.Service.RateLimitStatus(key))
}

// CacheStats handles GET /v1/status/cache.
func (h *CompanyHandlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Service.CacheStats(r.Context())
	if err != nil {
		respondWithGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// UpstreamHealth handles GET /v1/status/upstream. The probe spends one unit
// of upstream budget, so it is not wired into readiness.
func (h *CompanyHandlers) UpstreamHealth(w http.ResponseWriter, r *http.Request) {
	status := h.Service.HealthCheck(r.Context())

	code := http.StatusOK
	if status.Status == core.HealthDown || status.Status == core.HealthRateLimited {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// InvalidateCompany handles DELETE /v1/cache/companies/{number}.
func (h *CompanyHandlers) InvalidateCompany(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	removed, err := h.Service.InvalidateCompany(r.Context(), number)
	if err != nil {
		respondWithGatewayError(w, r, err)
		return
	}

	normalized, _ := gateway.NormalizeCompanyNumber(number)
	writeJSON(w, http.StatusOK, InvalidationResponse{CompanyNumber: normalized, KeysRemoved: removed})
}

func pageParam(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("page"))
	if raw == "" {
		return 1, nil
	}
	page, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &gateway.InvalidInputError{Field: "page", Reason: "must be an integer"}
	}
	return page, nil
}

// writeRecord tags the response with the cache outcome before encoding it.
func writeRecord(w http.ResponseWriter, prov core.Provenance, body any) {
	cacheStatus := servermw.CacheMiss
	if prov.FromCache {
		cacheStatus = servermw.CacheHit
	}
	w.Header().Set(servermw.CacheStatusHeader, cacheStatus)
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondWithGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithGatewayError(w, r, err)
}
