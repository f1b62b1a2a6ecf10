package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"stegvis_http_requests_total",
		"stegvis_http_request_duration_seconds",
		"stegvis_http_request_size_bytes",
		"stegvis_http_response_size_bytes",
		"stegvis_session_starts_total",
		"stegvis_session_advances_total",
		"stegvis_session_completions_total",
		"stegvis_active_sessions",
		"stegvis_step_duration_seconds",
		"stegvis_input_rejections_total",
		"stegvis_step_skips_total",
		"stegvis_backend_requests_total",
		"stegvis_backend_request_duration_seconds",
		"stegvis_backend_circuit_breaker_state",
		"stegvis_backend_retries_total",
		"stegvis_flow_reload_total",
		"stegvis_flows_loaded",
		"stegvis_steps_loaded",
		"stegvis_openapi_operations_indexed",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordSessionStart("annual-report")
	m.RecordSessionAdvance("annual-report", "option_selected")
	m.RecordSessionCompletion("annual-report", "completed")
	m.RecordStepDuration("annual-report", "3", 5*time.Second)
	m.RecordInputRejection("annual-report", "3")
	m.RecordStepSkip("annual-report", "2")
	m.RecordBackendRequest("recalculateInk2", "success", time.Millisecond)
	m.SetBackendCircuitBreakerState(0)
	m.RecordBackendRetry()
	m.RecordFlowReload("success")
	m.SetFlowsLoaded(1, 12)
	m.SetOpenAPIOperationsIndexed(4)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/v1/sessions/{sessionId}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/v1/sessions/{sessionId}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/v1/sessions/{sessionId}/select", 422, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/sessions/{sessionId}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/sessions/{sessionId}/select", "422"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordSessionLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSessionStart("annual-report")
	active := testutil.ToFloat64(m.ActiveSessions.WithLabelValues("annual-report"))
	if active != 1 {
		t.Errorf("active sessions = %v, want 1", active)
	}

	m.RecordSessionAdvance("annual-report", "option_selected")
	advances := testutil.ToFloat64(m.SessionAdvancesTotal.WithLabelValues("annual-report", "option_selected"))
	if advances != 1 {
		t.Errorf("advances = %v, want 1", advances)
	}

	m.RecordSessionCompletion("annual-report", "completed")
	active = testutil.ToFloat64(m.ActiveSessions.WithLabelValues("annual-report"))
	if active != 0 {
		t.Errorf("active sessions after completion = %v, want 0", active)
	}

	completions := testutil.ToFloat64(m.SessionCompletionsTotal.WithLabelValues("annual-report", "completed"))
	if completions != 1 {
		t.Errorf("completions = %v, want 1", completions)
	}
}

func TestRecordStepDuration(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStepDuration("annual-report", "3", 12*time.Second)

	count := testutil.CollectAndCount(m.StepDuration)
	if count == 0 {
		t.Error("expected step duration histogram to have observations")
	}
}

func TestRecordInputRejection(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordInputRejection("annual-report", "3")
	m.RecordInputRejection("annual-report", "3")

	val := testutil.ToFloat64(m.InputRejectionsTotal.WithLabelValues("annual-report", "3"))
	if val != 2 {
		t.Errorf("input rejections = %v, want 2", val)
	}
}

func TestRecordStepSkip(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStepSkip("annual-report", "2")
	val := testutil.ToFloat64(m.StepSkipsTotal.WithLabelValues("annual-report", "2"))
	if val != 1 {
		t.Errorf("step skips = %v, want 1", val)
	}
}

func TestRecordBackendRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordBackendRequest("recalculateInk2", "success", 100*time.Millisecond)

	val := testutil.ToFloat64(m.BackendRequestsTotal.WithLabelValues("recalculateInk2", "success"))
	if val != 1 {
		t.Errorf("backend requests = %v, want 1", val)
	}
}

func TestSetBackendCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetBackendCircuitBreakerState(0)
	val := testutil.ToFloat64(m.BackendCircuitBreakerState)
	if val != 0 {
		t.Errorf("circuit breaker state = %v, want 0 (closed)", val)
	}

	m.SetBackendCircuitBreakerState(2)
	val = testutil.ToFloat64(m.BackendCircuitBreakerState)
	if val != 2 {
		t.Errorf("circuit breaker state = %v, want 2 (open)", val)
	}
}

func TestRecordBackendRetry(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordBackendRetry()
	m.RecordBackendRetry()
	val := testutil.ToFloat64(m.BackendRetriesTotal)
	if val != 2 {
		t.Errorf("retries = %v, want 2", val)
	}
}

func TestRecordFlowReload(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordFlowReload("success")
	m.RecordFlowReload("failure")

	success := testutil.ToFloat64(m.FlowReloadTotal.WithLabelValues("success"))
	if success != 1 {
		t.Errorf("reload success = %v, want 1", success)
	}
	failure := testutil.ToFloat64(m.FlowReloadTotal.WithLabelValues("failure"))
	if failure != 1 {
		t.Errorf("reload failure = %v, want 1", failure)
	}
}

func TestSetFlowsLoaded(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetFlowsLoaded(2, 24)
	if val := testutil.ToFloat64(m.FlowsLoaded); val != 2 {
		t.Errorf("flows loaded = %v, want 2", val)
	}
	if val := testutil.ToFloat64(m.StepsLoaded); val != 24 {
		t.Errorf("steps loaded = %v, want 24", val)
	}
}

func TestSetOpenAPIOperationsIndexed(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetOpenAPIOperationsIndexed(4)
	val := testutil.ToFloat64(m.OpenAPIOperationsIndexed)
	if val != 4 {
		t.Errorf("operations indexed = %v, want 4", val)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/sessions/{sessionId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/abc-123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/sessions/{sessionId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesResponseSize(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("healthy"))
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	count := testutil.CollectAndCount(m.HTTPResponseSizeBytes)
	if count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/sessions/{sessionId}/input", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/abc-123/input", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/sessions/{sessionId}/input", "422"))
	if val != 1 {
		t.Errorf("422 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Use middleware directly without chi router.
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Without chi, should fall back to raw path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	// Prometheus handler should return at least go runtime metrics.
	if !strings.Contains(body, "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}
