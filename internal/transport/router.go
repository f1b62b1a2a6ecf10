package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stegvis/stegvis/internal/config"
	"github.com/stegvis/stegvis/internal/flow"
	"github.com/stegvis/stegvis/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config  *config.Config
	Engine  *flow.Engine
	Issuer  *TokenIssuer
	Metrics *observability.Metrics
	Checks  observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware, as does session start: a new session has no
// token yet, it receives one in the start response.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware, applied to all routes including health.
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Checks))
	if deps.Config.Observability.Metrics.Enabled {
		r.Get(deps.Config.Observability.Metrics.Path, observability.Handler().ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(requestMiddleware(deps)...)
		r.Post("/v1/flows/{flowId}/sessions", handleSessionStart(deps.Engine, deps.Issuer))
	})

	// Authenticated session routes.
	r.Group(func(r chi.Router) {
		r.Use(Authenticator(deps.Issuer))
		r.Use(requestMiddleware(deps)...)

		r.Get("/v1/sessions", handleSessionList(deps.Engine))
		r.Get("/v1/sessions/{sessionId}", handleSessionGet(deps.Engine))
		r.Get("/v1/sessions/{sessionId}/prompt", handlePromptGet(deps.Engine))
		r.Post("/v1/sessions/{sessionId}/select", handleSelect(deps.Engine))
		r.Post("/v1/sessions/{sessionId}/input", handleInput(deps.Engine))
		r.Post("/v1/sessions/{sessionId}/cancel", handleCancel(deps.Engine))
	})

	return r
}

// requestMiddleware is the shared per-request chain for API routes:
// timeout, logging, tracing, and metrics.
func requestMiddleware(deps Dependencies) []func(http.Handler) http.Handler {
	chain := []func(http.Handler) http.Handler{
		HandlerTimeout(deps.Config.Server.HandlerTimeout),
		RequestLogging,
	}
	if deps.Config.Observability.Tracing.Enabled {
		chain = append(chain, observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		chain = append(chain, deps.Metrics.MetricsMiddleware)
	}
	return chain
}
