package domain

import (
	"context"
	"time"
)

// AllocationSource provides the user's current portfolio allocation.
type AllocationSource interface {
	GetCurrentAllocation(ctx context.Context, userID string) (*PortfolioAllocation, error)
}

// QuoteSource provides tradable quotes.
// Unknown symbols must be reported with an error wrapping ErrUnknownSymbol.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
}

// ExecutionGateway submits orders to the brokerage.
// Transient failures (timeouts, rate limits) must be reported with an error
// matching ErrTransient so that callers can retry them.
type ExecutionGateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderOutcome, error)
}

// PreferenceProvider provides per-user rebalancing configuration.
type PreferenceProvider interface {
	GetPreferences(ctx context.Context, userID string) (*UserPreferences, error)
}

// TargetProvider provides per-user target weights (symbol -> percentage).
type TargetProvider interface {
	GetTargets(ctx context.Context, userID string) (map[string]float64, error)
}

// MarketHoursChecker provides market hours validation
type MarketHoursChecker interface {
	IsMarketOpen(exchangeName string, t time.Time) bool
}
