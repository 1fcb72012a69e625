package server

import (
	"context"
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/appid"
	"github.com/nexusai/chgate/internal/observability"
	"github.com/nexusai/chgate/internal/server/handlers"
	servermw "github.com/nexusai/chgate/internal/server/middleware"
)

const (
	adminSignalPath  = "/admin/signal"
	adminSignalRate  = 10
	adminSignalBurst = 5
)

func (s *Server) registerRoutes() {
	r := s.router

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)
	r.Get("/metrics", MetricsHandler)

	if s.companies != nil {
		r.Route("/v1", s.companyRoutes)
	}
	s.registerAdminSignals()
}

// companyRoutes is the gateway API. Throttling runs before tenant
// partitioning so rejected clients never touch upstream budget.
func (s *Server) companyRoutes(r chi.Router) {
	if s.throttle != nil {
		r.Use(s.throttle.Middleware)
	}
	if s.tenantPartitioning {
		r.Use(servermw.TenantPartition)
	}

	h := handlers.NewCompanyHandlers(s.companies)
	r.Route("/companies", func(r chi.Router) {
		r.Get("/search", h.Search)
		r.Get("/{number}", h.Profile)
		r.Get("/{number}/officers", h.Officers)
		r.Get("/{number}/psc", h.PSC)
	})
	r.Route("/status", func(r chi.Router) {
		r.Get("/rate-limit", h.RateLimitStatus)
		r.Get("/cache", h.CacheStats)
		r.Get("/upstream", h.UpstreamHealth)
	})
	r.Delete("/cache/companies/{number}", h.InvalidateCompany)
}

// registerAdminSignals mounts the gofulmen signal endpoint when
// <PREFIX>ADMIN_TOKEN is set, letting operators trigger a config reload or
// shutdown over HTTP.
func (s *Server) registerAdminSignals() {
	identity, _ := appid.Get(context.Background())
	tokenVar := identity.Prefix() + "ADMIN_TOKEN"
	token := os.Getenv(tokenVar)
	log := observability.ServerLogger

	if token == "" {
		if log != nil {
			log.Debug("Admin signal endpoint disabled", zap.String("env", tokenVar))
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: token,
		RateLimit: adminSignalRate,
		RateBurst: adminSignalBurst,
	})
	s.router.Post(adminSignalPath, handler.ServeHTTP)

	if log != nil {
		log.Warn("Admin signal endpoint enabled; keep it off the public internet",
			zap.String("path", adminSignalPath),
			zap.Int("rate_per_min", adminSignalRate),
			zap.Int("burst", adminSignalBurst))
	}
}
