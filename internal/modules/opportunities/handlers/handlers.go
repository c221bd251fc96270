// Package handlers provides HTTP handlers for opportunity detection.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/rotation/internal/domain"
	"github.com/aristath/rotation/internal/httpapi"
	"github.com/aristath/rotation/internal/modules/opportunities"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler handles opportunities HTTP requests
type Handler struct {
	detector    *opportunities.Detector
	preferences domain.PreferenceProvider
	log         zerolog.Logger
}

// NewHandler creates a new opportunities handler
func NewHandler(
	detector *opportunities.Detector,
	preferences domain.PreferenceProvider,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		detector:    detector,
		preferences: preferences,
		log:         log.With().Str("handler", "opportunities").Logger(),
	}
}

// HandleDetect handles GET /api/users/{userID}/opportunities
func (h *Handler) HandleDetect(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	opps, err := h.detector.DetectForUser(r.Context(), userID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	prefs, err := h.preferences.GetPreferences(r.Context(), userID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"opportunities":       opps,
			"count":               len(opps),
			"drift_threshold":     prefs.DriftThreshold,
			"rebalancing_enabled": prefs.RebalancingEnabled,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
