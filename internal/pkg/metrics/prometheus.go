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
	// Workflow execution metrics
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_executions_total",
			Help: "Total number of workflow executions by terminal status",
		},
		[]string{"workflow_id", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradeflow_execution_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"workflow_id"},
	)

	// Node execution metrics
	NodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_node_executions_total",
			Help: "Total number of node executions",
		},
		[]string{"category", "status"},
	)

	NodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradeflow_node_execution_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"category"},
	)

	// Event bus metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_events_published_total",
			Help: "Total number of events accepted by the bus",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeflow_events_dropped_total",
			Help: "Events dropped on full subscriber queues or failed publishes",
		},
	)

	// Emergency controller metrics
	EmergencyTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_emergency_transitions_total",
			Help: "Emergency state machine transitions",
		},
		[]string{"from", "to"},
	)

	// Circuit breaker metrics
	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "to_state"},
	)

	// WebSocket fan-out metrics
	WSConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradeflow_ws_connected_clients",
			Help: "Currently connected WebSocket clients",
		},
	)

	WSConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeflow_ws_connections_total",
			Help: "Total accepted WebSocket connections",
		},
	)

	WSEventsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeflow_ws_events_sent_total",
			Help: "Events forwarded to WebSocket clients",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradeflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

// Handler returns the Prometheus exposition handler for the optional
// metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency per route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordExecution records one finished workflow execution.
func RecordExecution(workflowID, status string, duration time.Duration) {
	ExecutionsTotal.WithLabelValues(workflowID, status).Inc()
	if duration > 0 {
		ExecutionDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
	}
}

// RecordNodeExecution records one node dispatch outcome.
func RecordNodeExecution(category, status string, duration time.Duration) {
	NodeExecutionsTotal.WithLabelValues(category, status).Inc()
	if duration > 0 {
		NodeExecutionDuration.WithLabelValues(category).Observe(duration.Seconds())
	}
}
