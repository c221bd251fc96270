// Package httpapi holds the JSON response helpers shared by the module handlers:
// domain error translation and paging parameters.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/aristath/rotation/internal/domain"
	"github.com/rs/zerolog"
)

// ErrorResponse is the body written for failed requests
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// StatusFor maps an error to its HTTP status and a stable error code.
func StatusFor(err error) (int, string) {
	var (
		conflict   *domain.ConflictError
		invalidSt  *domain.InvalidStateError
		invalidTr  *domain.InvalidTransitionError
		tooLate    *domain.TooLateToCancelError
		validation *domain.ValidationError
		stale      *domain.StalePriceError
	)

	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict, "conflict"
	case errors.As(err, &invalidSt):
		return http.StatusConflict, "invalid_state"
	case errors.As(err, &invalidTr):
		return http.StatusConflict, "invalid_transition"
	case errors.As(err, &tooLate):
		return http.StatusConflict, "too_late_to_cancel"
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.As(err, &stale):
		return http.StatusServiceUnavailable, "stale_price"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case domain.IsTransient(err):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

// WriteError writes err as a JSON error response. Server-side failures are
// logged and their message is not exposed.
func WriteError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status, code := StatusFor(err)

	body := ErrorResponse{Error: err.Error(), Code: code}
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		body.Reason = string(validation.Reason)
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("Request failed")
		if status == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	} else {
		log.Debug().Err(err).Int("status", status).Msg("Request rejected")
	}

	WriteJSON(w, status, body)
}

// WriteJSON writes data as a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// PageFromQuery reads limit and offset query parameters.
// Missing or malformed values fall back to the defaults.
func PageFromQuery(r *http.Request) domain.PageParams {
	var page domain.PageParams
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		page.Limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		page.Offset = v
	}
	return page.Normalize()
}
