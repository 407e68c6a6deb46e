package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/synapse-hq/synapse/internal/api/handlers"
	"github.com/synapse-hq/synapse/internal/api/middleware"
	"github.com/synapse-hq/synapse/internal/config"
	"github.com/synapse-hq/synapse/internal/store"
	"github.com/synapse-hq/synapse/internal/workspace"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, coord *workspace.Coordinator, s store.Store) http.Handler {
	h := handlers.New(coord)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.IdentityExtractor)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.AgentHeader, "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(s))
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workspaces", func(r chi.Router) {
			r.Get("/", h.ListWorkspaces)
			r.Post("/", h.CreateWorkspace)

			r.Route("/{workspaceID}", func(r chi.Router) {
				r.Use(middleware.WorkspaceExtractor)
				r.Use(middleware.RequireIdentity)

				r.Get("/", h.GetWorkspace)
				r.Get("/status", h.WorkspaceStatus)

				// Entries, scoped by namespace
				r.Route("/namespaces/{namespace}/entries", func(r chi.Router) {
					r.Get("/", h.ListEntries)
					r.Post("/", h.WriteEntry)
					r.Post("/{entryID}/freeze", h.FreezeEntry)
				})

				// Agent registry
				r.Route("/agents", func(r chi.Router) {
					r.Get("/", h.ListAgents)
					r.Post("/", h.RegisterAgent)
					r.Post("/{agentID}/heartbeat", h.Heartbeat)
				})

				// Permissions
				r.Route("/grants", func(r chi.Router) {
					r.Get("/", h.ListGrants)
					r.Post("/", h.Grant)
					r.Delete("/", h.Revoke)
				})

				// Webhooks
				r.Route("/webhooks", func(r chi.Router) {
					r.Get("/", h.ListWebhooks)
					r.Post("/", h.CreateWebhook)
					r.Route("/{webhookID}", func(r chi.Router) {
						r.Post("/pause", h.PauseWebhook)
						r.Post("/resume", h.ResumeWebhook)
						r.Post("/reactivate", h.ReactivateWebhook)
						r.Get("/deliveries", h.ListDeliveries)
					})
				})

				// Audit trail
				r.Get("/audit", h.QueryAudit)
			})
		})
	})

	return r
}

func healthHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "healthy"
		code := http.StatusOK
		if err := s.Ping(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "synapse-server",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "synapse-server",
		})
	}
}
