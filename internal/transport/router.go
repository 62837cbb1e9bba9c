package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clinique-saint-luc/patientbff/internal/config"
	"github.com/clinique-saint-luc/patientbff/internal/idempotency"
	"github.com/clinique-saint-luc/patientbff/internal/observability"
	"github.com/clinique-saint-luc/patientbff/internal/questions"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler

	Sessions    SessionManager
	Validator   *questions.Validator
	Idempotency *idempotency.Guard // nil disables idempotent submission
	Recent      RecentPages

	Metrics *observability.Metrics
	Logger  *zap.Logger

	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, and the static tabs bypass
// authentication and sessions.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Method(http.MethodGet, "/ui/health", orDefault(deps.HealthHandler, observability.HandleHealth()))
	r.Method(http.MethodGet, "/ui/ready", orDefault(deps.ReadyHandler, http.HandlerFunc(handleReady)))
	if deps.Config.Observability.Metrics.Enabled || deps.MetricsHandler != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, orDefault(deps.MetricsHandler, observability.Handler()))
	}
	r.Get("/api/questions/tabs", handleTabs(deps.Config.Tabs))

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		if deps.Sessions != nil {
			r.Use(Session(deps.Sessions, deps.Logger))
		}
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)

		if deps.Sessions != nil {
			r.Get("/api/questions/state", handleGetState(deps.Sessions))
			r.Post("/api/questions", handleSubmitQuestion(deps))
			r.Post("/api/questions/total-pages/fetch", handleFetchTotalPages(deps.Sessions))
			r.Put("/api/questions/pagination/current-page", handleSetCurrentPage(deps.Sessions))
			r.Put("/api/questions/pagination/total-pages", handleSetTotalPages(deps.Sessions))
			r.Delete("/api/questions/session", handleEndSession(deps.Sessions))
		}
		if deps.Recent != nil {
			r.Get("/api/questions/recent", handleRecentQuestions(deps.Recent))
		}
	})

	return r
}

func orDefault(h, fallback http.Handler) http.Handler {
	if h != nil {
		return h
	}
	return fallback
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
