// Package server exposes the read-only web API over the store.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"newsdesk/internal/config"
	"newsdesk/internal/logger"
	"newsdesk/internal/store"
)

// Server represents the HTTP server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	store      *store.Store
	config     config.Server
}

// New creates a new HTTP server instance
func New(st *store.Store, cfg config.Server) *Server {
	s := &Server{
		router: chi.NewRouter(),
		store:  st,
		config: cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  config.Duration(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: config.Duration(cfg.WriteTimeout, 30*time.Second),
	}

	return s
}

// setupMiddleware configures middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

// setupRoutes configures routes for the server
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/home_groups", s.handleHomeGroups)
		r.Get("/category_groups", s.handleCategoryGroups)
		r.Get("/groups/{id}", s.handleGroup)
		r.Get("/articles/{id}", s.handleArticle)
		r.Get("/trending", s.handleTrending)
		r.Get("/trending_entities", s.handleTrendingEntities)
		r.Get("/category_entities", s.handleCategoryEntities)
		r.Get("/cve_table", s.handleCVETable)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	logger.Info("starting HTTP server", "addr", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("shutting down HTTP server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Router returns the chi router instance (useful for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
