package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers rotation cycle routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/users/{userID}/cycles", func(r chi.Router) {
		r.Post("/", h.HandleCreateCycle)
		r.Get("/active", h.HandleGetActive)
		r.Get("/history", h.HandleGetHistory)
	})

	r.Route("/cycles/{cycleID}", func(r chi.Router) {
		r.Get("/", h.HandleGetCycle)
		r.Post("/enable", h.HandleEnable)
		r.Post("/execute", h.HandleExecute)
		r.Post("/cancel", h.HandleCancel)
		r.Put("/status", h.HandleSetStatus)
	})
}
