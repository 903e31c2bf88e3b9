// Package metrics provides Prometheus instrumentation for the control plane.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Decisions counts candidate trade decisions by stage and outcome.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "control_plane_decisions_total",
		Help: "Candidate trade decisions by stage and result",
	}, []string{"stage", "result"})

	// RiskRejections counts risk gate rejections by tier, gate and level.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "control_plane_risk_rejections_total",
		Help: "Trades rejected by a risk gate",
	}, []string{"tier", "gate", "level"})

	// KillSwitchActive is 1 while a tier's kill switch is engaged.
	KillSwitchActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "control_plane_kill_switch_active",
		Help: "Whether the kill switch is active for a tier",
	}, []string{"tier"})

	// AccountTransitions counts account health state changes.
	AccountTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "control_plane_account_transitions_total",
		Help: "Account health status transitions",
	}, []string{"from", "to"})

	// AccountsByStatus tracks how many accounts are in each health status.
	AccountsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "control_plane_accounts",
		Help: "Number of accounts per health status",
	}, []string{"status"})

	// QueueDepth tracks pending requests per dispatch lane.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "control_plane_queue_depth",
		Help: "Pending execution requests per priority lane",
	}, []string{"priority"})

	// Executions counts completed executions by tier and result.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "control_plane_executions_total",
		Help: "Executions completed by tier and result",
	}, []string{"tier", "result"})

	// ExecutionLatency records broker execution latency.
	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "control_plane_execution_latency_seconds",
		Help:    "Execution latency on infrastructure in seconds",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"tier"})

	// SLAMisses counts executions that exceeded their tier latency budget.
	SLAMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "control_plane_sla_misses_total",
		Help: "Executions slower than the tier's max latency",
	}, []string{"tier"})

	// InfraBreakerState is 0 closed, 1 half-open, 2 open per infrastructure class.
	InfraBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "control_plane_infra_breaker_state",
		Help: "Infrastructure circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"infra"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "control_plane_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "control_plane_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
