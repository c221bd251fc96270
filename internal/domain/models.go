// Package domain provides the rotation engine's core models, status machines,
// error taxonomy and collaborator interfaces.
package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RotationCycle is a batch of trades generated to correct detected drift for
// one user at one point in time.
type RotationCycle struct {
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ConfigID        *string         `json:"config_id,omitempty"`
	TotalValue      decimal.Decimal `json:"total_value"`
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Status          CycleStatus     `json:"status"`
	TradesCount     int             `json:"trades_count"`
	MaxDrift        float64         `json:"max_drift"`
	CancelRequested bool            `json:"cancel_requested"`
}

// DisplayStatus reports "cancelling" for a cycle whose cancellation is waiting
// on in-flight trades.
func (c *RotationCycle) DisplayStatus() string {
	if c.CancelRequested && !c.Status.IsTerminal() {
		return "cancelling"
	}
	return string(c.Status)
}

// RotationTrade is a single BUY or SELL order moving through the trade lifecycle.
type RotationTrade struct {
	CreatedAt          time.Time           `json:"created_at"`
	ExecutionStartedAt *time.Time          `json:"execution_started_at,omitempty"`
	ExecutedAt         *time.Time          `json:"executed_at,omitempty"`
	CycleID            *string             `json:"cycle_id,omitempty"`
	Price              decimal.Decimal     `json:"price"`
	EstimatedValue     decimal.Decimal     `json:"estimated_value"`
	ActualValue        decimal.NullDecimal `json:"actual_value"`
	ID                 string              `json:"id"`
	UserID             string              `json:"user_id"`
	Symbol             string              `json:"symbol"`
	Action             TradeAction         `json:"action"`
	Status             TradeStatus         `json:"status"`
	FailureReason      FailureReason       `json:"failure_reason,omitempty"`
	Quantity           int64               `json:"quantity"`
}

// IsStandalone reports whether the trade lives outside any cycle.
func (t *RotationTrade) IsStandalone() bool {
	return t.CycleID == nil || *t.CycleID == ""
}

// RotationOpportunity is a symbol whose drift exceeds the user's threshold.
// It is produced by the detector and consumed immediately when seeding a cycle.
type RotationOpportunity struct {
	EstimatedTradeValue decimal.Decimal `json:"estimated_trade_value"`
	ReferencePrice      decimal.Decimal `json:"reference_price"`
	Symbol              string          `json:"symbol"`
	Action              TradeAction     `json:"action"`
	CurrentWeight       float64         `json:"current_weight"`
	TargetWeight        float64         `json:"target_weight"`
	Drift               float64         `json:"drift"`
}

// UserPreferences holds per-user rebalancing configuration.
type UserPreferences struct {
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
	UserID                 string             `json:"user_id"`
	AutoRebalanceFrequency RebalanceFrequency `json:"auto_rebalance_frequency"`
	DriftThreshold         float64            `json:"drift_threshold"`
	RebalancingEnabled     bool               `json:"rebalancing_enabled"`
	TaxOptimizationEnabled bool               `json:"tax_optimization_enabled"`
}

// Preference defaults applied when a user has never saved a configuration.
const (
	DefaultDriftThreshold = 10.0
	DefaultFrequency      = FrequencyMonthly
)

// DefaultPreferences returns the configuration used for users without a stored row.
func DefaultPreferences(userID string) UserPreferences {
	return UserPreferences{
		UserID:                 userID,
		RebalancingEnabled:     true,
		DriftThreshold:         DefaultDriftThreshold,
		TaxOptimizationEnabled: true,
		AutoRebalanceFrequency: DefaultFrequency,
	}
}

// Holding is one position inside a portfolio allocation snapshot.
type Holding struct {
	Price    decimal.Decimal `json:"price"`
	Symbol   string          `json:"symbol"`
	Exchange string          `json:"exchange,omitempty"`
	Quantity int64           `json:"quantity"`
	Weight   float64         `json:"weight"` // percentage of TotalValue, 0-100
}

// PortfolioAllocation is a point-in-time view of a user's portfolio.
type PortfolioAllocation struct {
	TotalValue decimal.Decimal `json:"total_value"`
	Cash       decimal.Decimal `json:"cash"`
	UserID     string          `json:"user_id"`
	Holdings   []Holding       `json:"holdings"`
}

// Weights returns symbol -> current weight.
func (a *PortfolioAllocation) Weights() map[string]float64 {
	weights := make(map[string]float64, len(a.Holdings))
	for _, h := range a.Holdings {
		weights[strings.ToUpper(h.Symbol)] += h.Weight
	}
	return weights
}

// Holding looks up a position by symbol.
func (a *PortfolioAllocation) Holding(symbol string) (Holding, bool) {
	symbol = strings.ToUpper(symbol)
	for _, h := range a.Holdings {
		if strings.ToUpper(h.Symbol) == symbol {
			return h, true
		}
	}
	return Holding{}, false
}

// Symbols returns the holding symbols in sorted order.
func (a *PortfolioAllocation) Symbols() []string {
	symbols := make([]string, 0, len(a.Holdings))
	for _, h := range a.Holdings {
		symbols = append(symbols, strings.ToUpper(h.Symbol))
	}
	sort.Strings(symbols)
	return symbols
}

// Paging limits
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// PageParams selects a window of a recency-ordered listing.
type PageParams struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Normalize clamps the page to sane bounds.
func (p PageParams) Normalize() PageParams {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
