package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the admin API router.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/sequences", func(r chi.Router) {
			r.Get("/", h.ListSequences)
			r.Post("/", h.CreateSequence)

			r.Route("/{sequenceID}", func(r chi.Router) {
				r.Get("/", h.GetSequence)
				r.Put("/", h.UpdateSequence)
				r.Delete("/", h.DeleteSequence)

				r.Get("/steps", h.GetSteps)
				r.Put("/steps", h.ReplaceSteps)
				r.Post("/steps/reorder", h.ReorderSteps)
				r.Delete("/steps/{stepID}", h.DeleteStep)

				r.Get("/enrollments", h.ListEnrollments)
				r.Post("/enrollments", h.CreateEnrollment)

				r.Post("/preview", h.PreviewBranch)
			})
		})

		r.Post("/enrollments/{enrollmentID}/terminate", h.TerminateEnrollment)
	})

	return r
}
