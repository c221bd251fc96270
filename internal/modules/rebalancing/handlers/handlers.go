// Package handlers provides HTTP handlers for rotation cycles.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/aristath/rotation/internal/domain"
	"github.com/aristath/rotation/internal/httpapi"
	"github.com/aristath/rotation/internal/modules/rebalancing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler handles rotation cycle HTTP requests
type Handler struct {
	manager  *rebalancing.Manager
	detector rebalancing.OpportunityDetector
	log      zerolog.Logger
}

// NewHandler creates a new rebalancing handler
func NewHandler(
	manager *rebalancing.Manager,
	detector rebalancing.OpportunityDetector,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		manager:  manager,
		detector: detector,
		log:      log.With().Str("handler", "rebalancing").Logger(),
	}
}

// CreateCycleRequest is the optional body of POST /api/users/{userID}/cycles.
// Without opportunities the current drift is detected for the user.
type CreateCycleRequest struct {
	ConfigID      *string                      `json:"config_id,omitempty"`
	Opportunities []domain.RotationOpportunity `json:"opportunities,omitempty"`
}

// SetStatusRequest is the body of PUT /api/cycles/{cycleID}/status
type SetStatusRequest struct {
	Status string `json:"status"`
}

// cycleView adds the user-facing status to a cycle
type cycleView struct {
	*domain.RotationCycle
	DisplayStatus string `json:"display_status"`
}

func viewOf(cycle *domain.RotationCycle) cycleView {
	return cycleView{RotationCycle: cycle, DisplayStatus: cycle.DisplayStatus()}
}

// HandleCreateCycle handles POST /api/users/{userID}/cycles
func (h *Handler) HandleCreateCycle(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req CreateCycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	opps := req.Opportunities
	if len(opps) == 0 {
		detected, err := h.detector.DetectForUser(r.Context(), userID)
		if err != nil {
			httpapi.WriteError(w, h.log, err)
			return
		}
		opps = detected
	}

	cycle, err := h.manager.CreateCycle(r.Context(), userID, req.ConfigID, opps)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"data": viewOf(cycle)})
}

// HandleGetActive handles GET /api/users/{userID}/cycles/active
func (h *Handler) HandleGetActive(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	cycles, err := h.manager.ListActive(r.Context(), userID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	views := make([]cycleView, 0, len(cycles))
	for i := range cycles {
		views = append(views, viewOf(&cycles[i]))
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"cycles": views,
			"count":  len(views),
		},
	})
}

// HandleGetHistory handles GET /api/users/{userID}/cycles/history?limit=&offset=
func (h *Handler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	page := httpapi.PageFromQuery(r)

	cycles, err := h.manager.History(r.Context(), userID, page)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"cycles": cycles,
			"limit":  page.Limit,
			"offset": page.Offset,
		},
	})
}

// HandleGetCycle handles GET /api/cycles/{cycleID}
func (h *Handler) HandleGetCycle(w http.ResponseWriter, r *http.Request) {
	cycleID := chi.URLParam(r, "cycleID")

	cycle, err := h.manager.Get(r.Context(), cycleID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	trades, err := h.manager.Trades(r.Context(), cycleID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"cycle":  viewOf(cycle),
			"trades": trades,
		},
	})
}

// HandleEnable handles POST /api/cycles/{cycleID}/enable
func (h *Handler) HandleEnable(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, h.manager.EnableRotation)
}

// HandleCancel handles POST /api/cycles/{cycleID}/cancel.
// A cycle with trades still executing answers 200 with display status "cancelling".
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, h.manager.CancelCycle)
}

// HandleSetStatus handles PUT /api/cycles/{cycleID}/status
func (h *Handler) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	cycleID := chi.URLParam(r, "cycleID")

	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	status, err := domain.CycleStatusFromString(req.Status)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	cycle, err := h.manager.SetStatus(r.Context(), cycleID, status)
	h.respond(w, cycle, err)
}

// HandleExecute handles POST /api/cycles/{cycleID}/execute.
// Individual trade failures are reported per trade; the request itself succeeds.
func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	cycleID := chi.URLParam(r, "cycleID")
	started := time.Now()

	result, err := h.manager.ExecuteRotation(r.Context(), cycleID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"cycle":    viewOf(result.Cycle),
			"outcomes": result.Outcomes,
		},
		"metadata": map[string]interface{}{
			"duration_ms": time.Since(started).Milliseconds(),
		},
	})
}

func (h *Handler) step(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, cycleID string) (*domain.RotationCycle, error),
) {
	cycle, err := fn(r.Context(), chi.URLParam(r, "cycleID"))
	h.respond(w, cycle, err)
}

func (h *Handler) respond(w http.ResponseWriter, cycle *domain.RotationCycle, err error) {
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"data": viewOf(cycle)})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
