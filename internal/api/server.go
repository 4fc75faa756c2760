// Package api exposes the HTTP surface: sync trigger and status,
// provider webhook intake, campaign metrics, and health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/delivery-sync/internal/engine"
	"github.com/ignite/delivery-sync/internal/metrics"
	"github.com/ignite/delivery-sync/internal/pkg/logger"
)

// Server wraps the router and the underlying http.Server.
type Server struct {
	handlers *Handlers
	router   *chi.Mux
	server   *http.Server
}

// NewServer builds the router and wires all routes.
func NewServer(host string, port int, orch *engine.Orchestrator, agg *metrics.Aggregator) *Server {
	h := &Handlers{orch: orch, agg: agg}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Webhook-Signature", "X-Relay-Token"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sync/trigger", h.TriggerSync)
		r.Get("/sync/status", h.SyncStatus)
		r.Get("/campaigns/{campaignID}/metrics", h.CampaignMetrics)
	})

	r.Post("/webhooks/{provider}", h.Webhook)

	return &Server{
		handlers: h,
		router:   r,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, port),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	logger.Info("http server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
