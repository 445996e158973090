package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/opensource-finance/axm/internal/domain"
	"github.com/opensource-finance/axm/internal/engine"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	limiter *RateLimiter
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. bus may be nil, in which case
// asynchronous submission is refused.
func NewServer(cfg domain.ServerConfig, eng *engine.Engine, bus domain.EventBus, version string) *Server {
	handler := NewHandler(eng, bus, version, cfg.MaxBatchSize)
	router := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Global middleware stack
	router.Use(RecoverMiddleware)
	router.Use(middleware.RealIP)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", RequestIDHeader, TraceIDHeader},
		ExposedHeaders:   []string{RequestIDHeader, TraceIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)

	var limiter *RateLimiter
	if cfg.RateLimit > 0 {
		limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	// Health endpoints are never rate limited
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Use(middleware.Compress(5))

		// Claim intake
		r.Post("/claims", handler.SubmitClaim)
		r.Post("/claims/batch", handler.SubmitBatch)

		// Cases
		r.Get("/cases", handler.ListCases)
		r.Get("/cases/{claimId}", handler.GetCase)
		r.Post("/cases/{claimId}/close", handler.CloseCase)
		r.Post("/cases/{claimId}/reopen", handler.ReopenCase)
		r.Post("/cases/sweep", handler.Sweep)

		// Dashboards
		r.Get("/alerts", handler.ListAlerts)
		r.Get("/stats", handler.Stats)

		// Entities
		r.Get("/entities/{kind}/{id}", handler.GetEntity)
		r.Post("/entities/{kind}/{id}/deactivate", handler.DeactivateEntity)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
		r.Post("/rules/{id}/activate", handler.ActivateRule)
		r.Post("/rules/{id}/deactivate", handler.DeactivateRule)
	})

	return &Server{
		router:  router,
		handler: handler,
		limiter: limiter,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
