// Package integration provides a reusable test harness for end-to-end
// testing of the stegvis wizard server. It starts a full HTTP server with a
// mock tax backend, the in-memory session store, and a test token issuer,
// loading the flow definitions and backend spec shipped in the repository.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stegvis/stegvis/internal/config"
	"github.com/stegvis/stegvis/internal/flow"
	"github.com/stegvis/stegvis/internal/flowdef"
	"github.com/stegvis/stegvis/internal/observability"
	"github.com/stegvis/stegvis/internal/openapi"
	"github.com/stegvis/stegvis/internal/recalc"
	"github.com/stegvis/stegvis/internal/transport"
	"github.com/stegvis/stegvis/model"
)

// TestHarness encapsulates a fully wired wizard server with a mock tax
// backend.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	Registry *flowdef.Registry
	Store    *flow.MemorySessionStore
	Engine   *flow.Engine
	Backend  *MockTaxBackend

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	flowDirs        []string
	handlerTimeout  time.Duration
	backendRetries  int
	breakerFailures int
}

// WithFlows sets the flow definition directories to load. Relative paths
// are resolved from the repository root.
func WithFlows(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.flowDirs = dirs
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithBackendRetries sets the max attempts for backend calls.
func WithBackendRetries(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.backendRetries = n
	}
}

// WithBreakerFailureThreshold sets the circuit breaker failure threshold.
func WithBreakerFailureThreshold(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.breakerFailures = n
	}
}

// NewTestHarness creates and starts a full wizard server instance. The
// server and mock backend are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout:  10 * time.Second,
		backendRetries:  1,
		breakerFailures: 100,
	}
	for _, opt := range opts {
		opt(hc)
	}

	root := repoRoot()
	if len(hc.flowDirs) == 0 {
		hc.flowDirs = []string{"definitions"}
	}
	flowDirs := make([]string, len(hc.flowDirs))
	for i, dir := range hc.flowDirs {
		if filepath.IsAbs(dir) {
			flowDirs[i] = dir
		} else {
			flowDirs[i] = filepath.Join(root, dir)
		}
	}

	h := &TestHarness{t: t}

	// Mock backend first: its URL overrides the spec's servers entry.
	h.Backend = newMockTaxBackend(t)

	oaIndex := openapi.NewIndex()
	specPath := filepath.Join(root, "specs", "tax-backend.yaml")
	if err := oaIndex.Load(specPath, h.Backend.URL()); err != nil {
		t.Fatalf("load backend spec: %v", err)
	}

	flows, err := flowdef.NewLoader().LoadAll(flowDirs)
	if err != nil {
		t.Fatalf("load flows: %v", err)
	}
	if verrs := flowdef.NewValidator().Validate(flows, oaIndex); len(verrs) > 0 {
		for _, ve := range verrs {
			t.Errorf("flow validation: %s", ve.Error())
		}
		t.FailNow()
	}
	h.Registry = flowdef.NewRegistry(flows)

	backendCfg := config.BackendConfig{
		BaseURL:  h.Backend.URL(),
		SpecFile: specPath,
		Timeout:  5 * time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: hc.breakerFailures,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
		Retry: config.RetryConfig{
			MaxAttempts:       hc.backendRetries,
			BackoffInitial:    time.Millisecond,
			BackoffMultiplier: 2.0,
			BackoffMax:        5 * time.Millisecond,
		},
	}

	h.Store = flow.NewMemorySessionStore()
	client := recalc.NewClient(oaIndex, backendCfg, zap.NewNop())
	h.Engine = flow.NewEngine(h.Registry, h.Store, client, zap.NewNop())

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:5173"}
	h.cfg.Backend = backendCfg
	h.cfg.Observability.Metrics.Enabled = false
	h.cfg.Observability.Tracing.Enabled = false

	router := transport.NewRouter(transport.Dependencies{
		Config: h.cfg,
		Engine: h.Engine,
		Issuer: transport.NewTokenIssuerWithKey("stegvis", []byte("integration-test-signing-key-0123456789"), time.Hour),
		Checks: observability.ReadinessChecks{
			FlowsLoaded:   func() bool { return len(h.Registry.AllFlows()) > 0 },
			OpenAPILoaded: func() bool { return len(oaIndex.AllOperationIDs()) > 0 },
			Backend:       client,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// --- session helpers ---

// StartedSession is the response of a session start call.
type StartedSession struct {
	Session model.Session `json:"session"`
	Prompt  *model.Prompt `json:"prompt"`
	Token   string        `json:"token"`
}

// StartSession starts a session on the given flow with seed variables and
// fails the test if it does not succeed.
func (h *TestHarness) StartSession(flowID string, vars map[string]any) StartedSession {
	h.t.Helper()
	resp := h.POST("/v1/flows/"+flowID+"/sessions", map[string]any{"vars": vars}, "")
	var started StartedSession
	h.AssertJSON(h.t, resp, http.StatusCreated, &started)
	return started
}

// Select posts an option selection for the session.
func (h *TestHarness) Select(s StartedSession, optionValue string) *http.Response {
	h.t.Helper()
	return h.POST("/v1/sessions/"+s.Session.ID+"/select",
		map[string]any{"option_value": optionValue}, s.Token)
}

// Submit posts a typed input value for the session.
func (h *TestHarness) Submit(s StartedSession, value string) *http.Response {
	h.t.Helper()
	return h.POST("/v1/sessions/"+s.Session.ID+"/input",
		map[string]any{"value": value}, s.Token)
}

// --- HTTP client helpers ---

// GET performs a GET request, authenticated when token is non-empty.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// repoRoot returns the absolute path of the repository root, resolved from
// this file's location.
func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}
