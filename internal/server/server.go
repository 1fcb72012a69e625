// Package server exposes the gateway over HTTP: the /v1 company API, the
// status endpoints and the standard health, version and metrics routes.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/nexusai/chgate/internal/errors"
	"github.com/nexusai/chgate/internal/observability"
	"github.com/nexusai/chgate/internal/server/handlers"
	servermw "github.com/nexusai/chgate/internal/server/middleware"
)

// Server is the gateway's HTTP front end.
type Server struct {
	router *chi.Mux
	server *http.Server
	addr   string

	companies          handlers.CompanyService
	throttle           *servermw.Throttle
	tenantPartitioning bool
	timeouts           Timeouts
}

// Timeouts bounds the http.Server read, write and idle phases.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

var defaultTimeouts = Timeouts{Read: 30 * time.Second, Write: 30 * time.Second, Idle: 120 * time.Second}

// Option configures a Server.
type Option func(*Server)

// WithCompanyService mounts the /v1 company and status routes.
func WithCompanyService(service handlers.CompanyService) Option {
	return func(s *Server) { s.companies = service }
}

// WithThrottle guards the /v1 routes with a per-client token bucket.
func WithThrottle(throttle *servermw.Throttle) Option {
	return func(s *Server) { s.throttle = throttle }
}

// WithTenantPartitioning charges upstream budget per X-Tenant-ID.
func WithTenantPartitioning(enabled bool) Option {
	return func(s *Server) { s.tenantPartitioning = enabled }
}

// WithTimeouts overrides the default server timeouts. Zero fields keep the
// default.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) {
		s.timeouts.Read = pick(t.Read, s.timeouts.Read)
		s.timeouts.Write = pick(t.Write, s.timeouts.Write)
		s.timeouts.Idle = pick(t.Idle, s.timeouts.Idle)
	}
}

func pick(override, fallback time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return fallback
}

// New builds the router for host:port. Nothing listens until Start.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		timeouts: defaultTimeouts,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Request IDs first so metrics, logs and recovered panics can all carry one.
	s.router.Use(middleware.RealIP, servermw.RequestID, servermw.RequestMetrics, servermw.Recovery)
	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewNotFoundError("route not found"))
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewMethodNotAllowedError("method not allowed"))
	})
	s.registerRoutes()
	return s
}

// Start listens and serves until Shutdown. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}
	if log := observability.ServerLogger; log != nil {
		log.Info("Starting HTTP server",
			zap.String("addr", s.addr),
			zap.Duration("read_timeout", s.timeouts.Read),
			zap.Duration("write_timeout", s.timeouts.Write))
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if log := observability.ServerLogger; log != nil {
		log.Info("Shutting down HTTP server")
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}
