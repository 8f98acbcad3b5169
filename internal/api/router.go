// Package api is the HTTP edge of the agent backend: a thin SSE transport
// over the orchestrator plus a few inspection endpoints. The core never
// imports this package.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fleetgate/fleetgate/internal/api/middleware"
	"github.com/fleetgate/fleetgate/internal/config"
	"github.com/fleetgate/fleetgate/internal/confirm"
	"github.com/fleetgate/fleetgate/internal/orchestrator"
	"github.com/fleetgate/fleetgate/internal/quota"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, orch *orchestrator.Orchestrator, confirmations confirm.Store, tracker quota.Tracker) http.Handler {
	h := &Handlers{
		orch:          orch,
		confirmations: confirmations,
		tracker:       tracker,
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-Id", "X-User-Id", "X-Session-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1, tenant-scoped
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.UserContextExtractor)

		r.Route("/chat", func(r chi.Router) {
			r.Post("/", h.Chat)
			r.Route("/{conversationID}", func(r chi.Router) {
				r.Post("/confirm", h.Confirm)
				r.Post("/cancel", h.Cancel)
				r.Get("/pending", h.ListPending)
			})
		})

		r.Get("/quota", h.Quota)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "fleetgate",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": cfg.Version,
			"service": "fleetgate",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
