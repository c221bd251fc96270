package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers preferences routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/users/{userID}/preferences", h.HandleGetPreferences)
	r.Put("/users/{userID}/preferences", h.HandleUpdatePreferences)
}
