package api

import (
	"encoding/json"
	"net/http"

	"github.com/adpilot/control-plane/internal/api/handlers"
	"github.com/adpilot/control-plane/internal/api/middleware"
	"github.com/adpilot/control-plane/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Telemetry)
	r.Use(middleware.NewAPIKeyAuth().Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Operation catalog & submission
		r.Route("/operations", func(r chi.Router) {
			r.Get("/", h.ListOperations)
			r.Post("/", h.ExecuteOperation)
		})

		// Action plans
		r.Post("/plans", h.ExecutePlan)

		// Sagas
		r.Route("/sagas", func(r chi.Router) {
			r.Get("/", h.ListSagas)
			r.Get("/{sagaId}", h.GetSaga)
		})

		// Workflows & runs
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", h.ListWorkflows)
			r.Post("/{workflowName}/runs", h.StartWorkflowRun)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListWorkflowRuns)
			r.Route("/{runId}", func(r chi.Router) {
				r.Get("/", h.GetWorkflowRun)
				r.Post("/cancel", h.CancelWorkflowRun)
			})
		})

		// Approvals
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.ListApprovals)
			r.Route("/{approvalId}", func(r chi.Router) {
				r.Get("/", h.GetApproval)
				r.Post("/", h.ResolveApproval)
			})
		})

		// Tenants, policies, credentials
		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", h.ListTenants)
			r.Post("/", h.CreateTenant)
			r.Route("/{tenantId}", func(r chi.Router) {
				r.Get("/", h.GetTenant)
				r.Patch("/", h.UpdateTenantStatus)
				r.Get("/policy", h.GetPolicy)
				r.Put("/policy", h.PutPolicy)
				r.Put("/credentials/{platform}", h.PutCredential)
				r.Delete("/credentials/{platform}", h.RevokeCredential)
			})
		})

		// Audit & breaker visibility
		r.Get("/audit", h.ListAuditEvents)
		r.Get("/breakers", h.ListBreakers)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "adpilot-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "adpilot-control-plane",
		})
	}
}
