// Package handlers provides HTTP handlers for market hours operations.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/rotation/internal/domain"
	"github.com/aristath/rotation/internal/httpapi"
	"github.com/aristath/rotation/internal/modules/market_hours"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler handles market hours HTTP requests
type Handler struct {
	service *market_hours.MarketHoursService
	quotes  domain.QuoteSource
	now     func() time.Time
	log     zerolog.Logger
}

// NewHandler creates a new market hours handler. quotes resolves the listing
// exchange of a symbol.
func NewHandler(service *market_hours.MarketHoursService, quotes domain.QuoteSource, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		quotes:  quotes,
		now:     time.Now,
		log:     log.With().Str("handler", "market_hours").Logger(),
	}
}

// HandleGetStatus handles GET /api/market-hours/status
func (h *Handler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	now := h.now()

	markets := make([]*market_hours.MarketStatus, 0)
	for _, code := range market_hours.ExchangeCodes() {
		status, err := h.service.GetMarketStatus(code, now)
		if err != nil {
			h.log.Warn().Err(err).Str("exchange", code).Msg("Failed to get market status")
			continue
		}
		markets = append(markets, status)
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"timestamp":    now.UTC().Format(time.RFC3339),
			"markets":      markets,
			"open_markets": h.service.GetOpenMarkets(now),
		},
	})
}

// HandleGetStatusByExchange handles GET /api/market-hours/status/{exchange}
func (h *Handler) HandleGetStatusByExchange(w http.ResponseWriter, r *http.Request) {
	exchange := chi.URLParam(r, "exchange")

	status, err := h.service.GetMarketStatus(exchange, h.now())
	if err != nil {
		httpapi.WriteError(w, h.log, fmt.Errorf("%w: %v", domain.ErrNotFound, err))
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": status})
}

// SymbolStatus reports whether a rotation trade for a symbol could execute now
type SymbolStatus struct {
	Symbol    string                     `json:"symbol"`
	Exchange  string                     `json:"exchange"`
	Tradeable bool                       `json:"tradeable"`
	Market    *market_hours.MarketStatus `json:"market,omitempty"`
}

// HandleGetSymbolStatus handles GET /api/market-hours/symbols/{symbol}
func (h *Handler) HandleGetSymbolStatus(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	quote, err := h.quotes.GetQuote(r.Context(), symbol)
	if errors.Is(err, domain.ErrUnknownSymbol) {
		httpapi.WriteError(w, h.log, fmt.Errorf("%w: %v", domain.ErrNotFound, err))
		return
	}
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}

	now := h.now()
	status := SymbolStatus{
		Symbol:    symbol,
		Exchange:  quote.Exchange,
		Tradeable: h.service.IsMarketOpen(quote.Exchange, now),
	}
	// Exchanges without a calendar fall back to default hours and carry no detail
	if market, err := h.service.GetMarketStatus(quote.Exchange, now); err == nil {
		status.Market = market
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": status})
}
