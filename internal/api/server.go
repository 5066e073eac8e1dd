package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/feifeigood/swiftlink/internal/log"
)

// Server represents the admin API server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer creates a new API server bound to bindAddr.
func NewServer(bindAddr string, h *Handler) *Server {
	s := &Server{
		router: chi.NewRouter(),
	}

	s.router.Use(Recovery)
	s.router.Use(Logger)
	s.router.Use(CORS)

	s.setupRoutes(h)

	s.httpServer = &http.Server{
		Addr:         bindAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(h *Handler) {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", h.GetStats)

		r.Route("/fakeip", func(r chi.Router) {
			r.Get("/mappings", h.GetMappings)
			r.Delete("/mappings", h.FlushMappings)
		})

		r.Delete("/cache", h.FlushCache)

		r.Get("/upstreams", h.GetUpstreams)
	})

	// Health check endpoint at root
	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// Start starts the API server.
func (s *Server) Start() error {
	log.Infof("[API] Starting server on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	log.Infof("[API] Shutting down server...")
	return s.httpServer.Shutdown(ctx)
}
