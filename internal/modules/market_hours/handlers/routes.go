package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the market hours routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/market-hours", func(r chi.Router) {
		r.Get("/status", h.HandleGetStatus)
		r.Get("/status/{exchange}", h.HandleGetStatusByExchange)
		r.Get("/symbols/{symbol}", h.HandleGetSymbolStatus)
	})
}
