package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers trade routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/users/{userID}/trades", func(r chi.Router) {
		r.Post("/", h.HandleCreateTrade)
		r.Get("/pending", h.HandleGetPending)
		r.Get("/history", h.HandleGetHistory)
	})

	r.Route("/trades/{tradeID}", func(r chi.Router) {
		r.Post("/validate", h.HandleValidate)
		r.Post("/prepare", h.HandlePrepare)
		r.Post("/execute", h.HandleExecute)
		r.Post("/cancel", h.HandleCancel)
	})
}
