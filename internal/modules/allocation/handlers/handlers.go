// Package handlers provides HTTP handlers for allocation target management.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/rotation/internal/events"
	"github.com/aristath/rotation/internal/httpapi"
	"github.com/aristath/rotation/internal/modules/allocation"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler handles allocation HTTP requests
type Handler struct {
	allocRepo    *allocation.Repository
	eventManager *events.Manager
	log          zerolog.Logger
}

// NewHandler creates a new allocation handler
func NewHandler(allocRepo *allocation.Repository, eventManager *events.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		allocRepo:    allocRepo,
		eventManager: eventManager,
		log:          log.With().Str("handler", "allocation").Logger(),
	}
}

// TargetsRequest is the body of PUT /api/users/{userID}/targets
type TargetsRequest struct {
	Targets map[string]float64 `json:"targets"`
}

// HandleGetTargets handles GET /api/users/{userID}/targets
func (h *Handler) HandleGetTargets(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	targets, err := h.allocRepo.List(r.Context(), userID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	total := 0.0
	for _, target := range targets {
		total += target.TargetWeight
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"targets":      targets,
			"total_weight": total,
			"cash_weight":  100 - total,
		},
	})
}

// HandleUpdateTargets handles PUT /api/users/{userID}/targets
func (h *Handler) HandleUpdateTargets(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req TargetsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.allocRepo.ReplaceTargets(r.Context(), userID, req.Targets, time.Now()); err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	h.eventManager.Emit("allocation", &events.TargetsChangedData{
		UserID: userID,
		Count:  len(req.Targets),
	})

	h.HandleGetTargets(w, r)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
