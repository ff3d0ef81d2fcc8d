package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/api/handlers"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/api/middleware"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/config"
)

const serviceName = "campaign-substrate"

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
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.APIKeys).Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/", h.CreateCampaign)
			r.Route("/{campaignId}", func(r chi.Router) {
				r.Get("/", h.GetCampaign)
				r.Delete("/", h.DeleteCampaign)
				r.Post("/events", h.AppendEvent)
				r.Get("/jobs", h.ListCampaignJobs)
				r.Get("/status", h.GetCampaignStatus)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Post("/", h.EnqueueJob)
			r.Get("/{jobId}", h.GetJob)
		})

		r.Get("/agents", h.ListAgents)

		r.Route("/messages", func(r chi.Router) {
			r.Get("/", h.ListMessages)
			r.Post("/", h.SendMessage)
			r.Get("/stream", h.StreamMessages)
			r.Get("/{messageId}", h.GetMessage)
		})

		r.Get("/guards", h.GetGuards)
		r.Get("/stats", h.GetStats)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": serviceName,
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": serviceName,
		})
	}
}
