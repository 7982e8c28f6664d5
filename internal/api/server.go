// Package api exposes the transaction pipeline over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/processor"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, proc *processor.Processor, version string) *Server {
	handler := NewHandler(repo, cache, bus, engine, proc, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware(cfg.AllowedOrigins))    // CORS for browser clients
	router.Use(RecoverMiddleware)                     // Recover from panics
	router.Use(TracingMiddleware)                     // OpenTelemetry tracing
	router.Use(LoggingMiddleware)                     // Request logging
	router.Use(middleware.RealIP)                     // Extract real IP
	router.Use(BodyLimitMiddleware(cfg.MaxBodyBytes)) // Bound request bodies
	router.Use(middleware.Compress(5))                // Gzip compression

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Transaction processing
	router.Post("/transactions/process", handler.Process)
	router.Post("/transactions/batch", handler.ProcessBatch)

	// Stored outcomes
	router.Get("/processed/{id}", handler.GetProcessed)

	// Rule management
	router.Route("/rules", func(r chi.Router) {
		r.Get("/", handler.ListRules)
		r.Post("/", handler.CreateRule)
		r.Post("/reload", handler.ReloadRules)
		r.Get("/{id}", handler.GetRule)
		r.Put("/{id}/enabled", handler.SetRuleEnabled)
	})

	return &Server{
		router:  router,
		handler: handler,
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
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
