// Package handlers provides HTTP handlers for the rotation audit ledger.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/aristath/rotation/internal/events"
	"github.com/aristath/rotation/internal/httpapi"
	"github.com/aristath/rotation/internal/modules/ledger"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler handles ledger HTTP requests
type Handler struct {
	store        *ledger.Store
	eventManager *events.Manager
	log          zerolog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(store *ledger.Store, eventManager *events.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		store:        store,
		eventManager: eventManager,
		log:          log.With().Str("handler", "ledger").Logger(),
	}
}

// HandleGetEntry handles GET /api/ledger/{entryID}.
// The response also names the effective entry of the subject's chain.
func (h *Handler) HandleGetEntry(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")

	entry, err := h.store.Get(r.Context(), entryID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	effective, err := h.store.Effective(r.Context(), entry.Kind, entry.SubjectID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"entry":              entry,
			"effective_entry_id": effective.EntryID,
			"superseded":         effective.EntryID != entry.EntryID,
		},
	})
}

// HandleCorrectEntry handles POST /api/ledger/{entryID}/corrections
func (h *Handler) HandleCorrectEntry(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")

	var correction ledger.Correction
	if err := json.NewDecoder(r.Body).Decode(&correction); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	entry, err := h.store.Correct(r.Context(), entryID, correction)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	h.eventManager.Emit("ledger", &events.LedgerCorrectedData{
		EntryID:         entry.EntryID,
		CorrectsEntryID: entryID,
		SubjectID:       entry.SubjectID,
		Note:            entry.Note,
	})

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"data": entry})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
