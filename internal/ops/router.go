// Package ops serves the worker's operational HTTP endpoints: liveness,
// readiness and queue statistics.
package ops

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version   string
	BuildTime string
	Logger    zerolog.Logger
	// Metrics is optional.
	Metrics *HTTPMetrics

	Queue     StatsSource
	Providers HealthSource
	Results   MetricsSource

	// RateLimit is requests per minute per client IP. Default: 120.
	RateLimit int
}

// NewRouter creates the ops router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Tracing)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(Logger(cfg.Logger))
	r.Use(Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 120
	}

	h := NewHandler(cfg.Version, cfg.BuildTime, cfg.Queue, cfg.Providers, cfg.Results)

	// Health checks are not rate limited.
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadinessCheck)
	r.With(RateLimit(limit, time.Minute)).Get("/stats", h.Stats)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NewProblem(http.StatusNotFound, GetRequestID(r.Context())).
			WithInstance(r.URL.Path).
			Write(w)
	})

	return r
}
