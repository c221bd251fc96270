package ledger

import (
	"fmt"
	"time"

	"github.com/aristath/rotation/internal/database"
	"github.com/aristath/rotation/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// Snapshots are msgpack. Money is kept as decimal strings and times as unix
// milliseconds, 0 meaning unset.

type cycleSnapshot struct {
	ID              string  `msgpack:"id"`
	UserID          string  `msgpack:"user_id"`
	ConfigID        string  `msgpack:"config_id,omitempty"`
	Status          string  `msgpack:"status"`
	TotalValue      string  `msgpack:"total_value"`
	MaxDrift        float64 `msgpack:"max_drift"`
	TradesCount     int     `msgpack:"trades_count"`
	CancelRequested bool    `msgpack:"cancel_requested"`
	CreatedAt       int64   `msgpack:"created_at"`
	CompletedAt     int64   `msgpack:"completed_at,omitempty"`
}

type tradeSnapshot struct {
	ID                 string `msgpack:"id"`
	CycleID            string `msgpack:"cycle_id,omitempty"`
	UserID             string `msgpack:"user_id"`
	Symbol             string `msgpack:"symbol"`
	Action             string `msgpack:"action"`
	Quantity           int64  `msgpack:"quantity"`
	Price              string `msgpack:"price"`
	EstimatedValue     string `msgpack:"estimated_value"`
	ActualValue        string `msgpack:"actual_value,omitempty"`
	Status             string `msgpack:"status"`
	FailureReason      string `msgpack:"failure_reason,omitempty"`
	ExecutionStartedAt int64  `msgpack:"execution_started_at,omitempty"`
	ExecutedAt         int64  `msgpack:"executed_at,omitempty"`
	CreatedAt          int64  `msgpack:"created_at"`
}

func encodeCycle(cycle *domain.RotationCycle) ([]byte, error) {
	snap := cycleSnapshot{
		ID:              cycle.ID,
		UserID:          cycle.UserID,
		Status:          string(cycle.Status),
		TotalValue:      cycle.TotalValue.String(),
		MaxDrift:        cycle.MaxDrift,
		TradesCount:     cycle.TradesCount,
		CancelRequested: cycle.CancelRequested,
		CreatedAt:       database.ToMillis(cycle.CreatedAt),
		CompletedAt:     optionalMillis(cycle.CompletedAt),
	}
	if cycle.ConfigID != nil {
		snap.ConfigID = *cycle.ConfigID
	}
	return msgpack.Marshal(&snap)
}

func decodeCycle(data []byte) (*domain.RotationCycle, error) {
	var snap cycleSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode cycle snapshot: %w", err)
	}

	total, err := decimal.NewFromString(snap.TotalValue)
	if err != nil {
		return nil, fmt.Errorf("invalid total value in cycle snapshot %s: %w", snap.ID, err)
	}

	cycle := &domain.RotationCycle{
		ID:              snap.ID,
		UserID:          snap.UserID,
		Status:          domain.CycleStatus(snap.Status),
		TotalValue:      total,
		MaxDrift:        snap.MaxDrift,
		TradesCount:     snap.TradesCount,
		CancelRequested: snap.CancelRequested,
		CreatedAt:       database.FromMillis(snap.CreatedAt),
		CompletedAt:     fromOptionalMillis(snap.CompletedAt),
	}
	if snap.ConfigID != "" {
		configID := snap.ConfigID
		cycle.ConfigID = &configID
	}
	return cycle, nil
}

func encodeTrade(trade *domain.RotationTrade) ([]byte, error) {
	snap := tradeSnapshot{
		ID:                 trade.ID,
		UserID:             trade.UserID,
		Symbol:             trade.Symbol,
		Action:             string(trade.Action),
		Quantity:           trade.Quantity,
		Price:              trade.Price.String(),
		EstimatedValue:     trade.EstimatedValue.String(),
		Status:             string(trade.Status),
		FailureReason:      string(trade.FailureReason),
		ExecutionStartedAt: optionalMillis(trade.ExecutionStartedAt),
		ExecutedAt:         optionalMillis(trade.ExecutedAt),
		CreatedAt:          database.ToMillis(trade.CreatedAt),
	}
	if trade.CycleID != nil {
		snap.CycleID = *trade.CycleID
	}
	if trade.ActualValue.Valid {
		snap.ActualValue = trade.ActualValue.Decimal.String()
	}
	return msgpack.Marshal(&snap)
}

func decodeTrade(data []byte) (*domain.RotationTrade, error) {
	var snap tradeSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode trade snapshot: %w", err)
	}

	trade := &domain.RotationTrade{
		ID:                 snap.ID,
		UserID:             snap.UserID,
		Symbol:             snap.Symbol,
		Action:             domain.TradeAction(snap.Action),
		Quantity:           snap.Quantity,
		Status:             domain.TradeStatus(snap.Status),
		FailureReason:      domain.FailureReason(snap.FailureReason),
		ExecutionStartedAt: fromOptionalMillis(snap.ExecutionStartedAt),
		ExecutedAt:         fromOptionalMillis(snap.ExecutedAt),
		CreatedAt:          database.FromMillis(snap.CreatedAt),
	}
	if snap.CycleID != "" {
		cycleID := snap.CycleID
		trade.CycleID = &cycleID
	}

	var err error
	if trade.Price, err = decimal.NewFromString(snap.Price); err != nil {
		return nil, fmt.Errorf("invalid price in trade snapshot %s: %w", snap.ID, err)
	}
	if trade.EstimatedValue, err = decimal.NewFromString(snap.EstimatedValue); err != nil {
		return nil, fmt.Errorf("invalid estimated value in trade snapshot %s: %w", snap.ID, err)
	}
	if snap.ActualValue != "" {
		actual, err := decimal.NewFromString(snap.ActualValue)
		if err != nil {
			return nil, fmt.Errorf("invalid actual value in trade snapshot %s: %w", snap.ID, err)
		}
		trade.ActualValue = decimal.NewNullDecimal(actual)
	}
	return trade, nil
}

func optionalMillis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return database.ToMillis(*t)
}

func fromOptionalMillis(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := database.FromMillis(ms)
	return &t
}
