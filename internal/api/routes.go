package api

import (
	"net/http"

	"automation/internal/health"
	"automation/internal/job"
	"automation/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Credits       Credits
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
	StartLimiter  *UserRateLimiter // nil for unlimited
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Credits, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	user := func(h http.HandlerFunc) http.Handler {
		return auth(UserMiddleware()(h))
	}
	limited := func(h http.HandlerFunc) http.Handler {
		return auth(UserMiddleware()(RateLimitMiddleware(cfg.StartLimiter, cfg.Metrics)(h)))
	}

	mux.Handle("POST /api/automation/start", limited(handler.StartJob))
	mux.Handle("GET /api/automation/status/{jobId}", user(handler.GetStatus))
	mux.Handle("POST /api/automation/stop/{jobId}", user(handler.StopJob))
	mux.Handle("GET /api/automation/jobs", user(handler.ListJobs))
	mux.Handle("GET /api/automation/services", user(handler.ListServices))

	mux.Handle("GET /api/files/{jobId}/{filename}", user(handler.DownloadFile))
	mux.Handle("GET /api/preview/{jobId}/{filename}", user(handler.PreviewFile))
	mux.Handle("GET /api/bundle/{jobId}", user(handler.DownloadBundle))

	mux.Handle("GET /api/credits/balance", user(handler.GetBalance))
	mux.Handle("POST /api/credits/topup", auth(RequireAPIKeyMiddleware(cfg.APIKey)(http.HandlerFunc(handler.TopUp))))
	mux.Handle("GET /api/history", user(handler.GetHistory))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
