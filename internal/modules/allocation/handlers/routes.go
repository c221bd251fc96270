package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers allocation target routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/users/{userID}/targets", h.HandleGetTargets)
	r.Put("/users/{userID}/targets", h.HandleUpdateTargets)
}
