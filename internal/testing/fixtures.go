package testing

import (
	"github.com/aristath/rotation/internal/domain"
	"github.com/shopspring/decimal"
)

// NewAllocationFixture returns a 10,000 portfolio split 60/40 between AAPL and MSFT
// with 1,000 of uninvested cash on top.
//
//	AAPL: 30 shares at 200 = 6,000 (60%)
//	MSFT: 10 shares at 400 = 4,000 (40%)
func NewAllocationFixture(userID string) *domain.PortfolioAllocation {
	return &domain.PortfolioAllocation{
		UserID:     userID,
		TotalValue: decimal.NewFromInt(10000),
		Cash:       decimal.NewFromInt(1000),
		Holdings: []domain.Holding{
			{Symbol: "AAPL", Exchange: "NASDAQ", Quantity: 30, Price: decimal.NewFromInt(200), Weight: 60},
			{Symbol: "MSFT", Exchange: "NASDAQ", Quantity: 10, Price: decimal.NewFromInt(400), Weight: 40},
		},
	}
}

// NewTargetFixture returns 45/55 targets for the allocation fixture, which puts
// both symbols 15 points away from target.
func NewTargetFixture() map[string]float64 {
	return map[string]float64{"AAPL": 45, "MSFT": 55}
}

// NewPreferencesFixture returns enabled preferences with the given threshold.
func NewPreferencesFixture(userID string, threshold float64) *domain.UserPreferences {
	prefs := domain.DefaultPreferences(userID)
	prefs.DriftThreshold = threshold
	return &prefs
}
