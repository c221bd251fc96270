// Package handlers provides HTTP handlers for user preferences.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/aristath/rotation/internal/httpapi"
	"github.com/aristath/rotation/internal/modules/preferences"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler handles preferences HTTP requests
type Handler struct {
	service *preferences.Service
	log     zerolog.Logger
}

// NewHandler creates a new preferences handler
func NewHandler(service *preferences.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "preferences").Logger(),
	}
}

// HandleGetPreferences handles GET /api/users/{userID}/preferences
func (h *Handler) HandleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	prefs, err := h.service.GetPreferences(r.Context(), userID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"data": prefs})
}

// HandleUpdatePreferences handles PUT /api/users/{userID}/preferences
func (h *Handler) HandleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var update preferences.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	prefs, err := h.service.UpdatePreferences(r.Context(), userID, update)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"data": prefs})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
