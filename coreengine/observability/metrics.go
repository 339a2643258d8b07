// Package observability provides Prometheus metrics instrumentation for the
// orchestration core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// CASE METRICS
// =============================================================================

var (
	caseExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eraif_case_executions_total",
			Help: "Total number of case workflow executions",
		},
		[]string{"workflow", "status"}, // status: completed, monitoring, error
	)

	caseDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eraif_case_duration_seconds",
			Help:    "Case workflow duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
		[]string{"workflow"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eraif_active_sessions",
			Help: "Case sessions currently executing",
		},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eraif_stage_executions_total",
			Help: "Total number of stage executions",
		},
		[]string{"stage", "status"}, // status: success, error, timeout
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eraif_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		},
		[]string{"stage"},
	)

	checkpointWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eraif_checkpoint_writes_total",
			Help: "Checkpoint writes by outcome",
		},
		[]string{"status"}, // status: success, error
	)
)

// =============================================================================
// EMERGENCY METRICS
// =============================================================================

var (
	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eraif_alerts_total",
			Help: "Critical finding alerts emitted",
		},
		[]string{"source", "severity"},
	)

	modeTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eraif_mode_transitions_total",
			Help: "Emergency mode transitions",
		},
		[]string{"from", "to"},
	)

	emergencyMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eraif_emergency_mode",
			Help: "Current emergency mode (1 for the active mode)",
		},
		[]string{"mode"},
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eraif_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "code"},
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eraif_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordCaseExecution records case metrics after a workflow finishes.
func RecordCaseExecution(workflow string, status string, durationMS int) {
	caseExecutionsTotal.WithLabelValues(workflow, status).Inc()
	caseDurationSeconds.WithLabelValues(workflow).Observe(float64(durationMS) / 1000.0)
}

// RecordStageExecution records metrics for a single node run.
func RecordStageExecution(stage string, status string, durationMS int) {
	stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(float64(durationMS) / 1000.0)
}

// RecordCheckpointWrite counts a checkpoint save.
func RecordCheckpointWrite(status string) {
	checkpointWritesTotal.WithLabelValues(status).Inc()
}

// RecordAlert counts an emitted critical finding alert.
func RecordAlert(source string, severity string) {
	alertsTotal.WithLabelValues(source, severity).Inc()
}

// RecordModeTransition counts a transition and moves the mode gauge.
func RecordModeTransition(from string, to string) {
	modeTransitionsTotal.WithLabelValues(from, to).Inc()
	emergencyMode.WithLabelValues(from).Set(0)
	emergencyMode.WithLabelValues(to).Set(1)
}

// SessionStarted increments the active session gauge.
func SessionStarted() {
	activeSessions.Inc()
}

// SessionFinished decrements the active session gauge.
func SessionFinished() {
	activeSessions.Dec()
}

// RecordGRPCRequest records one finished gRPC call.
func RecordGRPCRequest(method string, code string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, code).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}
