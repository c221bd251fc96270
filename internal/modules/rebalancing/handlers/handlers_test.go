package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aristath/rotation/internal/clients/paper"
	"github.com/aristath/rotation/internal/database"
	"github.com/aristath/rotation/internal/domain"
	"github.com/aristath/rotation/internal/locking"
	"github.com/aristath/rotation/internal/modules/ledger"
	"github.com/aristath/rotation/internal/modules/rebalancing"
	"github.com/aristath/rotation/internal/modules/trading"
	"github.com/aristath/rotation/internal/reliability"
	testingpkg "github.com/aristath/rotation/internal/testing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedDetector []domain.RotationOpportunity

func (d fixedDetector) DetectForUser(_ context.Context, _ string) ([]domain.RotationOpportunity, error) {
	return d, nil
}

func detected() fixedDetector {
	return fixedDetector{{
		Symbol:              "AAPL",
		Action:              domain.TradeActionSell,
		CurrentWeight:       60,
		TargetWeight:        45,
		Drift:               15,
		EstimatedTradeValue: decimal.NewFromInt(1500),
		ReferencePrice:      decimal.NewFromInt(200),
	}}
}

func setupRouter(t *testing.T, detector rebalancing.OpportunityDetector) chi.Router {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	db := testingpkg.NewMemoryDB(t, database.NameRotation)
	store := ledger.NewStore(testingpkg.NewMemoryDB(t, database.NameLedger), log)

	broker := paper.NewBroker(log)
	broker.SetQuote("AAPL", "NASDAQ", decimal.NewFromInt(200))
	broker.SetCash("u1", decimal.NewFromInt(1000))
	broker.SetPosition("u1", "AAPL", 30)

	locker := locking.NewKeyedMutex()
	tradeRepo := trading.NewRepository(db, log)
	lifecycle := trading.NewManager(tradeRepo, broker, broker, broker, testingpkg.NewMockMarketHours(),
		locker, store, nil, trading.Policy{Submit: reliability.RetryPolicy{MaxAttempts: 1}}, log)
	manager := rebalancing.NewManager(rebalancing.NewRepository(db, tradeRepo, log), tradeRepo,
		lifecycle, locker, store, nil, 2, log)
	lifecycle.SetCycleCoordinator(manager)

	r := chi.NewRouter()
	NewHandler(manager, detector, log).RegisterRoutes(r)
	return r
}

func do(router chi.Router, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type cycleResponse struct {
	Data struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		DisplayStatus string `json:"display_status"`
		TradesCount   int    `json:"trades_count"`
		TotalValue    string `json:"total_value"`
	} `json:"data"`
}

func decodeCycle(t *testing.T, w *httptest.ResponseRecorder) cycleResponse {
	t.Helper()
	var response cycleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestCycleLifecycleOverHTTP(t *testing.T) {
	router := setupRouter(t, detected())

	w := do(router, http.MethodPost, "/users/u1/cycles", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeCycle(t, w)
	assert.Equal(t, "pending", created.Data.Status)
	assert.Equal(t, 1, created.Data.TradesCount)
	assert.Equal(t, "1500", created.Data.TotalValue)
	cycleID := created.Data.ID

	w = do(router, http.MethodPost, "/users/u1/cycles", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(router, http.MethodPost, "/cycles/"+cycleID+"/execute", "")
	assert.Equal(t, http.StatusConflict, w.Code, "pending cycle cannot execute")

	w = do(router, http.MethodPost, "/cycles/"+cycleID+"/enable", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "active", decodeCycle(t, w).Data.Status)

	w = do(router, http.MethodPost, "/cycles/"+cycleID+"/execute", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var executed struct {
		Data struct {
			Cycle struct {
				Status     string `json:"status"`
				TotalValue string `json:"total_value"`
			} `json:"cycle"`
			Outcomes []struct {
				Trade struct {
					Status      string `json:"status"`
					ActualValue string `json:"actual_value"`
				} `json:"trade"`
			} `json:"outcomes"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &executed))
	assert.Equal(t, "completed", executed.Data.Cycle.Status)
	require.Len(t, executed.Data.Outcomes, 1)
	assert.Equal(t, "executed", executed.Data.Outcomes[0].Trade.Status)
	assert.Equal(t, "1400", executed.Data.Cycle.TotalValue, "7 shares at 200")

	w = do(router, http.MethodGet, "/users/u1/cycles/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Data struct {
			Cycles []struct {
				ID string `json:"id"`
			} `json:"cycles"`
			Limit int `json:"limit"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history.Data.Cycles, 1)
	assert.Equal(t, cycleID, history.Data.Cycles[0].ID)
	assert.Equal(t, 50, history.Data.Limit)
}

func TestHandleGetCycle(t *testing.T) {
	router := setupRouter(t, detected())
	created := decodeCycle(t, do(router, http.MethodPost, "/users/u1/cycles", ""))

	w := do(router, http.MethodGet, "/cycles/"+created.Data.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Data struct {
			Cycle struct {
				DisplayStatus string `json:"display_status"`
			} `json:"cycle"`
			Trades []struct {
				Symbol   string `json:"symbol"`
				Quantity int64  `json:"quantity"`
			} `json:"trades"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "pending", response.Data.Cycle.DisplayStatus)
	require.Len(t, response.Data.Trades, 1)
	assert.Equal(t, int64(7), response.Data.Trades[0].Quantity)

	w = do(router, http.MethodGet, "/cycles/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCreateCycle_ExplicitOpportunities(t *testing.T) {
	router := setupRouter(t, fixedDetector{})

	w := do(router, http.MethodPost, "/users/u1/cycles", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "nothing detected")

	body := `{"config_id": "weekly", "opportunities": [
		{"symbol": "AAPL", "action": "BUY", "drift": 11, "estimated_trade_value": "400", "reference_price": "200"}
	]}`
	w = do(router, http.MethodPost, "/users/u1/cycles", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "400", decodeCycle(t, w).Data.TotalValue)

	w = do(router, http.MethodGet, "/users/u1/cycles/active", "")
	require.Equal(t, http.StatusOK, w.Code)
	var active struct {
		Data struct {
			Count int `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	assert.Equal(t, 1, active.Data.Count)
}

func TestHandleSetStatus(t *testing.T) {
	router := setupRouter(t, detected())
	created := decodeCycle(t, do(router, http.MethodPost, "/users/u1/cycles", ""))
	path := "/cycles/" + created.Data.ID + "/status"

	w := do(router, http.MethodPut, path, `{"status": "paused"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPut, path, `{"status": "completed"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(router, http.MethodPut, path, `{"status": "active"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/cycles/"+created.Data.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	cancelled := decodeCycle(t, w)
	assert.Equal(t, "cancelled", cancelled.Data.Status)
	assert.Equal(t, "cancelled", cancelled.Data.DisplayStatus)

	w = do(router, http.MethodPost, "/cycles/"+created.Data.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}
