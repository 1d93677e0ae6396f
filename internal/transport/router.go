package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stagehand/internal/engine"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Engine         *engine.Engine
	Logger         *zap.Logger
	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler
	MetricsPath    string
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness, and metrics endpoints bypass the
// identity middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))

	// Operational routes.
	if deps.HealthHandler != nil {
		r.Method(http.MethodGet, "/healthz", deps.HealthHandler)
	}
	if deps.ReadyHandler != nil {
		r.Method(http.MethodGet, "/readyz", deps.ReadyHandler)
	}
	if deps.MetricsHandler != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	// Case command and query routes.
	r.Group(func(r chi.Router) {
		r.Use(BuildRequestContext)
		r.Use(RequestLogging(logger))

		eng := deps.Engine
		r.Post("/cases", handleCaseStart(eng))
		r.Get("/cases/{caseId}", handleCaseGet(eng))
		r.Get("/cases/{caseId}/plan-items", handlePlanItemList(eng))
		r.Post("/cases/{caseId}/plan-items/{itemId}/trigger", handlePlanItemOp(eng, triggerPlanItem))
		r.Post("/cases/{caseId}/plan-items/{itemId}/start", handlePlanItemOp(eng, startPlanItem))
		r.Post("/cases/{caseId}/plan-items/{itemId}/enable", handlePlanItemOp(eng, enablePlanItem))
		r.Post("/cases/{caseId}/plan-items/{itemId}/disable", handlePlanItemOp(eng, disablePlanItem))
		r.Post("/cases/{caseId}/terminate", handleCaseTerminate(eng))
		r.Post("/cases/{caseId}/suspend", handleCaseSuspend(eng))
		r.Post("/cases/{caseId}/resume", handleCaseResume(eng))
		r.Post("/cases/{caseId}/reactivate", handleCaseReactivate(eng))
	})

	return r
}
