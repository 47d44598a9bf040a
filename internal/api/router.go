package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentloom/agentloom/internal/api/handlers"
	"github.com/agentloom/agentloom/internal/api/middleware"
	"github.com/agentloom/agentloom/internal/config"

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
	r.Use(middleware.Telemetry)
	r.Use(middleware.NewAPIKeyAuth().Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// One-shot coordinator executions
		r.Post("/chains/execute", h.ExecuteChain)
		r.Post("/parallel/execute", h.ExecuteParallel)

		// Router registry — routers are long-lived because they carry
		// rolling performance stats
		r.Route("/routers", func(r chi.Router) {
			r.Get("/", h.ListRouters)
			r.Post("/", h.CreateRouter)
			r.Route("/{routerID}", func(r chi.Router) {
				r.Get("/", h.GetRouter)
				r.Delete("/", h.DeleteRouter)
				r.Post("/route", h.RouteInput)
				r.Get("/stats", h.RouterStats)
			})
		})

		// Evaluations
		r.Route("/evaluations", func(r chi.Router) {
			r.Post("/execute", h.ExecuteEvaluation)
			r.Post("/compare", h.CompareOutputs)
		})

		// Agent preset catalog
		r.Route("/catalog", func(r chi.Router) {
			r.Get("/", h.ListPresets)
			r.Get("/{presetName}", h.GetPreset)
		})

		// Run history
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Get("/{runID}", h.GetRun)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "agentloom",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "agentloom",
		})
	}
}
