// Package metrics names the gateway's telemetry series and records them on
// the process telemetry system. Every recorder is a no-op while telemetry is
// disabled.
package metrics

import (
	"time"

	"github.com/nexusai/chgate/internal/observability"
)

// Gateway operation and lifecycle series.
const (
	OperationsTotal       = "gateway_operations_total"
	OperationsErrorsTotal = "gateway_operation_errors_total"
	HealthCheckTotal      = "health_checks_total"
	HealthCheckDurationMs = "health_check_duration_ms"
	ServerStartTime       = "server_start_time_seconds"
)

func counter(name string, labels map[string]string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(name, 1, labels)
	}
}

func histogram(name string, d time.Duration, labels map[string]string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(name, d, labels)
	}
}

func gauge(name string, value float64, labels map[string]string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(name, value, labels)
	}
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// RecordOperation counts one gateway operation (search, profile, officers,
// psc, invalidate) by outcome.
func RecordOperation(operation string, success bool) {
	counter(OperationsTotal, map[string]string{
		"operation": operation,
		"status":    outcome(success, "success", "failure"),
	})
}

// RecordOperationError counts a failed operation by error kind.
func RecordOperationError(operation, kind string) {
	counter(OperationsErrorsTotal, map[string]string{
		"operation":  operation,
		"error_kind": kind,
	})
}

// RecordHealthCheck records one dependency check.
func RecordHealthCheck(check string, healthy bool, duration time.Duration) {
	counter(HealthCheckTotal, map[string]string{
		"check":  check,
		"status": outcome(healthy, "healthy", "unhealthy"),
	})
	histogram(HealthCheckDurationMs, duration, map[string]string{"check": check})
}

// SetServerStartTime publishes the unix start time of the HTTP server.
func SetServerStartTime(timestamp int64) {
	gauge(ServerStartTime, float64(timestamp), nil)
}
