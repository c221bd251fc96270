// Package handlers provides HTTP handlers for the trade lifecycle.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aristath/rotation/internal/domain"
	"github.com/aristath/rotation/internal/httpapi"
	"github.com/aristath/rotation/internal/modules/trading"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler handles trade HTTP requests
type Handler struct {
	manager *trading.Manager
	log     zerolog.Logger
}

// NewHandler creates a new trading handler
func NewHandler(manager *trading.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		log:     log.With().Str("handler", "trading").Logger(),
	}
}

// CreateTradeRequest is the body of POST /api/users/{userID}/trades
type CreateTradeRequest struct {
	Symbol   string `json:"symbol"`
	Action   string `json:"action"`
	Quantity int64  `json:"quantity"`
}

// HandleCreateTrade handles POST /api/users/{userID}/trades
func (h *Handler) HandleCreateTrade(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req CreateTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	trade, err := h.manager.CreateStandalone(r.Context(), userID, req.Symbol, domain.TradeAction(req.Action), req.Quantity)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"data": trade})
}

// HandleValidate handles POST /api/trades/{tradeID}/validate.
// A failed validation answers 422 with the reason and the failed trade.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")

	trade, err := h.manager.Validate(r.Context(), tradeID)
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  validation.Error(),
			"code":   "validation_failed",
			"reason": string(validation.Reason),
			"data":   trade,
		})
		return
	}
	h.respond(w, trade, err)
}

// HandlePrepare handles POST /api/trades/{tradeID}/prepare
func (h *Handler) HandlePrepare(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, h.manager.Prepare)
}

// HandleExecute handles POST /api/trades/{tradeID}/execute.
// An execution that ends in failed still answers 200 with the failed trade.
func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, h.manager.Execute)
}

// HandleCancel handles POST /api/trades/{tradeID}/cancel
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, h.manager.Cancel)
}

// HandleGetPending handles GET /api/users/{userID}/trades/pending
func (h *Handler) HandleGetPending(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	trades, err := h.manager.Pending(r.Context(), userID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"trades": trades,
			"count":  len(trades),
		},
	})
}

// HandleGetHistory handles GET /api/users/{userID}/trades/history?limit=&offset=
func (h *Handler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	page := httpapi.PageFromQuery(r)

	trades, err := h.manager.History(r.Context(), userID, page)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"trades": trades,
			"limit":  page.Limit,
			"offset": page.Offset,
		},
	})
}

func (h *Handler) step(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, tradeID string) (*domain.RotationTrade, error),
) {
	trade, err := fn(r.Context(), chi.URLParam(r, "tradeID"))
	h.respond(w, trade, err)
}

func (h *Handler) respond(w http.ResponseWriter, trade *domain.RotationTrade, err error) {
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"data": trade})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
