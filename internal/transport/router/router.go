package router

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/mkovalev/converthub/internal/transport/handler"
)

func NewRouter(h *handler.Handler, rateLimit int) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ping", h.Ping)

	r.Route("/api", func(r chi.Router) {
		if rateLimit > 0 {
			r.Use(httprate.Limit(
				rateLimit,
				1*time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
			))
		}

		r.Route("/conversions", func(r chi.Router) {
			r.Post("/", h.CreateConversion)
			r.Get("/{id}", h.GetConversion)
			r.Post("/{id}/cancel", h.CancelConversion)
			r.Get("/{id}/result", h.GetConversionResult)
		})

		r.Get("/images/{id}", h.GetImage)
	})

	return r
}
