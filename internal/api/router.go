// Package api wires the HTTP surface of the orchestration core.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mospit/bruno-ai-sub000/internal/api/handlers"
	"github.com/mospit/bruno-ai-sub000/internal/api/middleware"
	"github.com/mospit/bruno-ai-sub000/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	// Telemetry wraps Logger so access-log lines carry the trace id.
	r.Use(middleware.Telemetry)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Agent registry
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.RegisterAgent)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Delete("/", h.DeregisterAgent)
				r.Post("/probe", h.ProbeAgent)
			})
		})

		// Single-task dispatch
		r.Post("/tasks", h.DispatchTask)

		// Plans
		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlanRuns)
			r.Post("/", h.ExecutePlan)
			r.Route("/{planID}", func(r chi.Router) {
				r.Get("/", h.GetPlanRun)
				r.Get("/ledger", h.GetPlanLedger)
			})
		})

		// Gateway observability
		r.Get("/gateway/metrics", h.GatewayMetrics)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "bruno-orchestration-core",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
		})
	}
}
