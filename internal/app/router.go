// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/evalplane/evalplane/internal/adapter/httpserver"
	"github.com/evalplane/evalplane/internal/adapter/observability"
	"github.com/evalplane/evalplane/internal/config"
	"github.com/evalplane/evalplane/internal/service/ratelimiter"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the submission API's HTTP handler with all
// middlewares and routes. limiter may be nil to disable the distributed,
// cross-replica rate limit and rely on httprate's per-process one alone.
func BuildRouter(cfg config.Config, srv *httpserver.Server, limiter *ratelimiter.RedisLuaLimiter) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Rate limit mutating endpoints
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Use(httpserver.DistributedRateLimit(limiter))
		if cfg.AdminEnabled() {
			wr.Use(srv.AdminAPIGuard())
			wr.Use(srv.CSRFGuard())
		}
		wr.Post("/v1/evaluations", srv.SubmitHandler())
		wr.Post("/v1/evaluations/bulk", srv.BulkSubmitHandler())
		wr.Delete("/v1/evaluations/{id}", srv.CancelHandler())
	})

	// Read-only endpoints
	r.Get("/v1/evaluations/{id}", srv.GetHandler())
	r.Get("/v1/evaluations", srv.ListHandler())
	r.Get("/v1/evaluations/running", srv.RunningHandler())
	r.Get("/v1/statistics", srv.StatisticsHandler())

	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	// OpenAPI if present
	r.Get("/openapi.yaml", srv.OpenAPIServe())

	// Admin API endpoints for operational visibility
	if cfg.AdminEnabled() {
		srv.MountAdmin(r)
		admin, err := httpserver.NewAdminServer(cfg, srv)
		if err == nil {
			r.Get("/admin/prometheus", admin.AdminBearerRequired(func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) }))
		}
	}

	return httpserver.SecurityHeaders(r)
}
