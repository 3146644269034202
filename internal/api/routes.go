package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			// An empty key means local-only use; auth is skipped.
			if h.apiKey != "" {
				r.Use(AuthMiddleware(h.apiKey))
			}

			r.Get("/status", h.Status)
			r.Post("/sync", h.TriggerSync)
			r.Post("/queue/drain", h.DrainQueue)
			r.Put("/config/api-url", h.SetAPIURL)

			r.Route("/pins", func(r chi.Router) {
				r.Get("/", h.ListPins)
				r.Post("/", h.CreatePin)
				r.Get("/{id}", h.GetPin)
				r.Put("/{id}", h.UpdatePin)
				r.Delete("/{id}", h.DeletePin)
			})

			r.Route("/forms", func(r chi.Router) {
				r.Get("/", h.ListForms)
				r.Post("/", h.CreateForm)
				r.Get("/{id}", h.GetForm)
				r.Put("/{id}", h.UpdateForm)
				r.Delete("/{id}", h.DeleteForm)
			})
		})
	})

	return r
}
