package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the control API. ws may be nil when no status stream is
// served.
func NewRouter(h *Handler, ws http.HandlerFunc) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/session/start", h.StartSession)
		r.Post("/session/stop", h.StopSession)
		r.Post("/alert/reset", h.ResetAlert)
		r.Post("/alert/retry", h.RetryAlert)
		r.Get("/status", h.Status)
		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.PutSettings)
		r.Get("/incidents", h.ListIncidents)
		r.Get("/stats", h.Stats)
	})

	if ws != nil {
		r.Get("/ws", ws)
	}
	return r
}
