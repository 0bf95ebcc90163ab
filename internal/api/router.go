package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/api/handlers"
	"github.com/crpwatch/crpwatch/internal/api/middleware"
	"github.com/crpwatch/crpwatch/internal/observability"
	"github.com/crpwatch/crpwatch/pkg/httputil"
)

// HealthChecker is a dependency the ready endpoint probes.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Router holds the HTTP router and its dependencies
type Router struct {
	chi.Router
	logger *zap.Logger
}

// RouterConfig contains configuration for the router
type RouterConfig struct {
	Results   handlers.ResultStore
	Cache     handlers.ResultCache
	Starter   handlers.WorkflowStarter
	Artefacts handlers.ArtefactLinker
	Limiter   middleware.Limiter
	Metrics   *observability.Metrics
	// Checks are probed by /ready, keyed by dependency name.
	Checks map[string]HealthChecker

	Logger               *zap.Logger
	EnableCORS           bool
	RateLimit            int
	InvestigationTimeout time.Duration
	LinkExpiry           time.Duration
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(cfg RouterConfig) *Router {
	r := chi.NewRouter()

	// Base middleware stack
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(cfg.Logger).Handler)
	r.Use(middleware.NewLoggingMiddleware(cfg.Logger).Handler)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.HTTPMiddleware)
	}
	r.Use(chimw.Timeout(60 * time.Second))

	if cfg.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		r.Use(middleware.NewRateLimitMiddleware(cfg.Limiter, cfg.RateLimit, cfg.Logger).Handler)
	}

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(cfg.Checks))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	handlerCfg := handlers.InvestigationHandlerConfig{
		Results:    cfg.Results,
		Cache:      cfg.Cache,
		Starter:    cfg.Starter,
		LinkExpiry: cfg.LinkExpiry,
		Timeout:    cfg.InvestigationTimeout,
		Logger:     cfg.Logger,
	}
	if cfg.Artefacts != nil {
		handlerCfg.Artefacts = cfg.Artefacts
	}
	if cfg.Metrics != nil {
		handlerCfg.Metrics = cfg.Metrics
	}
	investigations := handlers.NewInvestigationHandler(handlerCfg)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/investigations", func(r chi.Router) {
			r.Get("/", investigations.List)
			r.Post("/", investigations.Submit)
			r.Get("/{identifier}", investigations.Get)
		})
		r.Get("/targets", investigations.TopTargets)
	})

	return &Router{
		Router: r,
		logger: cfg.Logger,
	}
}

// healthHandler returns basic health status
func healthHandler(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "crpwatch-api",
	})
}

// readyHandler checks if all dependencies are ready
func readyHandler(checkers map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string, len(checkers))
		allHealthy := true

		for name, c := range checkers {
			if c == nil {
				checks[name] = "not configured"
				continue
			}
			if err := c.Health(r.Context()); err != nil {
				checks[name] = "unhealthy: " + err.Error()
				allHealthy = false
			} else {
				checks[name] = "healthy"
			}
		}

		status := http.StatusOK
		statusText := "ready"
		if !allHealthy {
			status = http.StatusServiceUnavailable
			statusText = "not ready"
		}

		httputil.JSON(w, status, map[string]any{
			"status": statusText,
			"checks": checks,
		})
	}
}
