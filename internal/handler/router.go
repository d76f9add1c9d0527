package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/gigmarket-system/internal/middleware"
)

// pathID извлекает числовой идентификатор из параметра маршрута.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// SetupRouter настраивает HTTP-маршруты и middleware сервиса гигмаркет.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/user/connect", h.ConnectAccount)
			r.Get("/user/jobs", h.GetMyJobs)
			r.Get("/user/earnings", h.GetEarnings)
			r.Get("/user/payments", h.GetPayments)

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", h.PostJob)
				r.Get("/", h.GetOpenJobs)

				r.Route("/{jobID}", func(r chi.Router) {
					r.Get("/", h.GetJob)
					r.Post("/complete", h.CompleteJob)
					r.Post("/cancel", h.CancelJob)

					r.Post("/applications", h.ApplyToJob)
					r.Get("/applications", h.GetApplications)
					r.Post("/applications/{applicationID}/accept", h.AcceptApplication)
				})
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
