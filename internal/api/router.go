// Package api assembles the HTTP surface: the middleware chain, the
// versioned routes, and the health and metrics endpoints.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cupobot/cupobot/engine/internal/api/handlers"
	"github.com/cupobot/cupobot/engine/internal/api/middleware"
	"github.com/cupobot/cupobot/engine/internal/config"
)

// NewRouter builds the HTTP router over the assembled handlers.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORS.Origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", healthHandler)
	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/companies/{companyID}", func(r chi.Router) {
			r.Post("/messages", h.PostMessage)
			r.Get("/catalog", h.GetCatalog)
			r.Get("/reservations", h.ListReservations)
			r.Get("/conversations", h.ListConversations)

			r.Route("/products/{productID}/stock", func(r chi.Router) {
				r.Get("/", h.GetStock)
				r.Post("/adjust", h.AdjustStock)
			})
		})

		r.Post("/webhooks/payments", h.PaymentWebhook)
		r.Post("/admin/cache/invalidate", h.InvalidateCache)
		r.Get("/stats", h.Stats)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "cupo-engine",
	})
}
