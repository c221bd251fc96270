package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers opportunities routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/users/{userID}/opportunities", h.HandleDetect)
}
