package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the wizard service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Session metrics
	SessionStartsTotal      *prometheus.CounterVec
	SessionAdvancesTotal    *prometheus.CounterVec
	SessionCompletionsTotal *prometheus.CounterVec
	ActiveSessions          *prometheus.GaugeVec
	StepDuration            *prometheus.HistogramVec
	InputRejectionsTotal    *prometheus.CounterVec
	StepSkipsTotal          *prometheus.CounterVec

	// Backend invocation metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState prometheus.Gauge
	BackendRetriesTotal        prometheus.Counter

	// Flow definition metrics
	FlowReloadTotal *prometheus.CounterVec
	FlowsLoaded     prometheus.Gauge
	StepsLoaded     prometheus.Gauge

	// Backend spec metrics
	OpenAPIOperationsIndexed prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stegvis_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stegvis_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stegvis_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stegvis_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Sessions
		SessionStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stegvis_session_starts_total",
			Help: "Total number of wizard sessions started.",
		}, []string{"flow_id"}),
		SessionAdvancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stegvis_session_advances_total",
			Help: "Total number of session step advances.",
		}, []string{"flow_id", "event"}),
		SessionCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stegvis_session_completions_total",
			Help: "Total number of session completions.",
		}, []string{"flow_id", "final_status"}),
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stegvis_active_sessions",
			Help: "Number of active wizard sessions.",
		}, []string{"flow_id"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stegvis_step_duration_seconds",
			Help:    "Time spent on a step before the user advanced.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"flow_id", "step_id"}),
		InputRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stegvis_input_rejections_total",
			Help: "Total number of rejected free-text inputs.",
		}, []string{"flow_id", "step_id"}),
		StepSkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stegvis_step_skips_total",
			Help: "Total number of steps skipped by visibility conditions.",
		}, []string{"flow_id", "step_id"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stegvis_backend_requests_total",
			Help: "Total number of calculation backend requests.",
		}, []string{"operation_id", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stegvis_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation_id"}),
		BackendCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stegvis_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		BackendRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stegvis_backend_retries_total",
			Help: "Total number of backend request retries.",
		}),

		// Flow definitions
		FlowReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stegvis_flow_reload_total",
			Help: "Total flow definition reloads.",
		}, []string{"status"}),
		FlowsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stegvis_flows_loaded",
			Help: "Number of loaded flow definitions.",
		}),
		StepsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stegvis_steps_loaded",
			Help: "Number of steps across all loaded flows.",
		}),

		// Backend spec
		OpenAPIOperationsIndexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stegvis_openapi_operations_indexed",
			Help: "Number of indexed backend OpenAPI operations.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Sessions
		m.SessionStartsTotal,
		m.SessionAdvancesTotal,
		m.SessionCompletionsTotal,
		m.ActiveSessions,
		m.StepDuration,
		m.InputRejectionsTotal,
		m.StepSkipsTotal,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		// Flow definitions
		m.FlowReloadTotal,
		m.FlowsLoaded,
		m.StepsLoaded,
		m.OpenAPIOperationsIndexed,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSessionStart records a session start.
func (m *Metrics) RecordSessionStart(flowID string) {
	m.SessionStartsTotal.WithLabelValues(flowID).Inc()
	m.ActiveSessions.WithLabelValues(flowID).Inc()
}

// RecordSessionAdvance records a session advance.
func (m *Metrics) RecordSessionAdvance(flowID, event string) {
	m.SessionAdvancesTotal.WithLabelValues(flowID, event).Inc()
}

// RecordSessionCompletion records a session reaching a terminal status.
func (m *Metrics) RecordSessionCompletion(flowID, finalStatus string) {
	m.SessionCompletionsTotal.WithLabelValues(flowID, finalStatus).Inc()
	m.ActiveSessions.WithLabelValues(flowID).Dec()
}

// RecordStepDuration records how long a session stayed on a step.
func (m *Metrics) RecordStepDuration(flowID, stepID string, duration time.Duration) {
	m.StepDuration.WithLabelValues(flowID, stepID).Observe(duration.Seconds())
}

// RecordInputRejection records a rejected free-text input.
func (m *Metrics) RecordInputRejection(flowID, stepID string) {
	m.InputRejectionsTotal.WithLabelValues(flowID, stepID).Inc()
}

// RecordStepSkip records a step skipped by its visibility conditions.
func (m *Metrics) RecordStepSkip(flowID, stepID string) {
	m.StepSkipsTotal.WithLabelValues(flowID, stepID).Inc()
}

// RecordBackendRequest records a calculation backend request.
func (m *Metrics) RecordBackendRequest(operationID, status string, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(operationID, status).Inc()
	m.BackendRequestDuration.WithLabelValues(operationID).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state gauge.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(state float64) {
	m.BackendCircuitBreakerState.Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry() {
	m.BackendRetriesTotal.Inc()
}

// RecordFlowReload records a flow definition reload.
func (m *Metrics) RecordFlowReload(status string) {
	m.FlowReloadTotal.WithLabelValues(status).Inc()
}

// SetFlowsLoaded sets the loaded flow and step gauges.
func (m *Metrics) SetFlowsLoaded(flows, steps float64) {
	m.FlowsLoaded.Set(flows)
	m.StepsLoaded.Set(steps)
}

// SetOpenAPIOperationsIndexed sets the number of indexed backend operations.
func (m *Metrics) SetOpenAPIOperationsIndexed(count float64) {
	m.OpenAPIOperationsIndexed.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
