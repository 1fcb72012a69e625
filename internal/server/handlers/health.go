package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/metrics"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
	statusTimeout   = "timeout"
)

// HealthResponse is the aggregate /health body.
type HealthResponse struct {
	Status    string                `json:"status"`
	Version   string                `json:"version"`
	Timestamp string                `json:"timestamp"`
	Checks    map[string]string     `json:"checks,omitempty"`
	RateLimit *core.RateLimitStatus `json:"rate_limit,omitempty"`
}

// ProbeResponse is the body of the live, ready and startup probes.
type ProbeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker defines interface for health checkable components
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

type registeredChecker struct {
	checker  HealthChecker
	optional bool
}

// HealthManager runs dependency checks for the probe endpoints. A failing
// optional checker degrades the aggregate status instead of failing it; the
// response cache is optional because cache errors are served as misses.
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]registeredChecker
	budget   func() core.RateLimitStatus
	version  string
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers: make(map[string]registeredChecker),
		version:  version,
	}
}

// RegisterChecker registers a checker whose failure makes the gateway
// unhealthy.
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.register(name, checker, false)
}

// RegisterOptionalChecker registers a checker whose failure only degrades.
func (hm *HealthManager) RegisterOptionalChecker(name string, checker HealthChecker) {
	hm.register(name, checker, true)
}

func (hm *HealthManager) register(name string, checker HealthChecker, optional bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = registeredChecker{checker: checker, optional: optional}
}

// SetBudgetReporter makes /health include the default partition's remaining
// upstream budget. The reporter must not consume budget.
func (hm *HealthManager) SetBudgetReporter(fn func() core.RateLimitStatus) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.budget = fn
}

// runHealthChecks runs every checker concurrently under ctx.
func (hm *HealthManager) runHealthChecks(ctx context.Context) map[string]string {
	hm.mu.RLock()
	registered := make(map[string]registeredChecker, len(hm.checkers))
	for name, rc := range hm.checkers {
		registered[name] = rc
	}
	hm.mu.RUnlock()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]string, len(registered))
	)
	for name, rc := range registered {
		wg.Add(1)
		go func(name string, rc registeredChecker) {
			defer wg.Done()
			started := time.Now()
			result := make(chan error, 1)
			go func() { result <- rc.checker.CheckHealth(ctx) }()

			var status string
			select {
			case <-ctx.Done():
				status = statusTimeout
			case err := <-result:
				switch {
				case err == nil:
					status = statusHealthy
				case rc.optional:
					status = statusDegraded
				default:
					status = statusUnhealthy
				}
			}
			metrics.RecordHealthCheck(name, status == statusHealthy, time.Since(started))

			mu.Lock()
			checks[name] = status
			mu.Unlock()
		}(name, rc)
	}
	wg.Wait()
	return checks
}

// determineOverallStatus: any unhealthy check fails; degraded or timed-out
// checks degrade.
func (hm *HealthManager) determineOverallStatus(checks map[string]string) string {
	degraded := false
	for _, status := range checks {
		switch status {
		case statusUnhealthy:
			return statusUnhealthy
		case statusDegraded, statusTimeout:
			degraded = true
		}
	}
	if degraded {
		return statusDegraded
	}
	return statusHealthy
}

// HealthHandler handles GET /health.
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checkCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := hm.runHealthChecks(checkCtx)
	status := hm.determineOverallStatus(checks)

	if status == statusUnhealthy {
		envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "aggregate health check failed")
		respondWithError(w, r, enrichHealthEnvelope(envelope, "", status, checks))
		return
	}

	response := HealthResponse{
		Status:    status,
		Version:   hm.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	hm.mu.RLock()
	budget := hm.budget
	hm.mu.RUnlock()
	if budget != nil {
		rl := budget()
		response.RateLimit = &rl
	}

	writeHealthJSON(w, response)
}

// LivenessHandler reports that the process is serving requests. It does not
// run dependency checks, so a redis or store outage never restarts the pod.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealthJSON(w, ProbeResponse{Status: statusHealthy, Timestamp: time.Now().UTC()})
}

// ReadinessHandler handles GET /health/ready.
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hm.probe(w, r, "ready", 5*time.Second)
}

// StartupHandler handles GET /health/startup.
func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	hm.probe(w, r, "startup", 3*time.Second)
}

func (hm *HealthManager) probe(w http.ResponseWriter, r *http.Request, probe string, timeout time.Duration) {
	checkCtx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	checks := hm.runHealthChecks(checkCtx)
	status := hm.determineOverallStatus(checks)

	if status == statusUnhealthy {
		envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", probe+" probe failed")
		respondWithError(w, r, enrichHealthEnvelope(envelope, probe, status, checks))
		return
	}

	writeHealthJSON(w, ProbeResponse{Status: status, Timestamp: time.Now().UTC()})
}

func writeHealthJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func enrichHealthEnvelope(envelope *errors.ErrorEnvelope, probe, status string, checks map[string]string) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}

	details := map[string]interface{}{"status": status}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	if probe != "" {
		details["probe"] = probe
	}
	envelope = envelope.WithDetails(details)

	contextData := map[string]interface{}{"status": status}
	if probe != "" {
		contextData["probe"] = probe
	}

	var failing []string
	for name, result := range checks {
		if result != statusHealthy {
			failing = append(failing, name)
		}
	}
	if len(failing) > 0 {
		sort.Strings(failing)
		contextData["unhealthy_checks"] = failing
	}

	envelope, _ = envelope.WithContext(contextData)
	return envelope
}

var globalHealthManager *HealthManager

// InitHealthManager replaces the process-wide health manager.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide health manager.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func withManager(w http.ResponseWriter, r *http.Request, probe string, fn func(*HealthManager)) {
	if globalHealthManager != nil {
		fn(globalHealthManager)
		return
	}
	envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "health manager not initialized")
	respondWithError(w, r, enrichHealthEnvelope(envelope, probe, "unknown", nil))
}

// LivenessHandler serves /health/live from the global manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, "live", func(hm *HealthManager) { hm.LivenessHandler(w, r) })
}

// ReadinessHandler serves /health/ready from the global manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, "ready", func(hm *HealthManager) { hm.ReadinessHandler(w, r) })
}

// StartupHandler serves /health/startup from the global manager.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, "startup", func(hm *HealthManager) { hm.StartupHandler(w, r) })
}

// HealthHandler serves /health from the global manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, "aggregate", func(hm *HealthManager) { hm.HealthHandler(w, r) })
}
