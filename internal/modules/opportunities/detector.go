// Package opportunities detects symbols whose weight drifted beyond the user's
// threshold and sizes the trades that would correct them.
package opportunities

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/aristath/rotation/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// driftPrecision is the number of decimals drift is rounded to before it is
// compared with the threshold, so that 60.00000000001 - 50 counts as 10.
const driftPrecision = 1e6

// Detector compares current and target weights against the user's drift threshold.
type Detector struct {
	preferences domain.PreferenceProvider
	allocations domain.AllocationSource
	targets     domain.TargetProvider
	quotes      domain.QuoteSource
	log         zerolog.Logger
}

// NewDetector creates a new opportunity detector.
// allocations, targets and quotes are only used by DetectForUser and by
// target-only symbols that need a reference price.
func NewDetector(
	preferences domain.PreferenceProvider,
	allocations domain.AllocationSource,
	targets domain.TargetProvider,
	quotes domain.QuoteSource,
	log zerolog.Logger,
) *Detector {
	return &Detector{
		preferences: preferences,
		allocations: allocations,
		targets:     targets,
		quotes:      quotes,
		log:         log.With().Str("service", "opportunities").Logger(),
	}
}

// Detect returns the symbols whose drift is strictly greater than the user's
// threshold, largest drift first (ties by symbol).
// Returns an empty slice when rebalancing is disabled for the user.
func (d *Detector) Detect(
	ctx context.Context,
	userID string,
	current *domain.PortfolioAllocation,
	target map[string]float64,
) ([]domain.RotationOpportunity, error) {
	if current == nil {
		return nil, fmt.Errorf("%w: current allocation is required", domain.ErrInvalidInput)
	}

	prefs, err := d.preferences.GetPreferences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences for user %s: %w", userID, err)
	}

	opportunities := make([]domain.RotationOpportunity, 0)
	if !prefs.RebalancingEnabled {
		d.log.Debug().Str("user_id", userID).Msg("Rebalancing disabled, no opportunities")
		return opportunities, nil
	}

	currentWeights := current.Weights()
	targetWeights := make(map[string]float64, len(target))
	for symbol, weight := range target {
		targetWeights[strings.ToUpper(strings.TrimSpace(symbol))] += weight
	}

	for _, symbol := range unionSymbols(currentWeights, targetWeights) {
		currentWeight := currentWeights[symbol]
		targetWeight := targetWeights[symbol]
		drift := roundDrift(math.Abs(currentWeight - targetWeight))
		if drift <= prefs.DriftThreshold {
			continue
		}

		price, ok, err := d.referencePrice(ctx, current, symbol)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		action := domain.TradeActionBuy
		if currentWeight > targetWeight {
			action = domain.TradeActionSell
		}

		opportunities = append(opportunities, domain.RotationOpportunity{
			Symbol:              symbol,
			Action:              action,
			CurrentWeight:       currentWeight,
			TargetWeight:        targetWeight,
			Drift:               drift,
			EstimatedTradeValue: current.TotalValue.Mul(decimal.NewFromFloat(drift)).Div(decimal.NewFromInt(100)).Round(2),
			ReferencePrice:      price,
		})
	}

	sort.SliceStable(opportunities, func(i, j int) bool {
		if opportunities[i].Drift != opportunities[j].Drift {
			return opportunities[i].Drift > opportunities[j].Drift
		}
		return opportunities[i].Symbol < opportunities[j].Symbol
	})

	d.log.Debug().
		Str("user_id", userID).
		Float64("threshold", prefs.DriftThreshold).
		Int("opportunities", len(opportunities)).
		Msg("Drift detection complete")

	return opportunities, nil
}

// DetectForUser loads the user's current allocation and targets and runs Detect.
// Users without targets have nothing to drift from and get an empty slice.
func (d *Detector) DetectForUser(ctx context.Context, userID string) ([]domain.RotationOpportunity, error) {
	if d.allocations == nil || d.targets == nil {
		return nil, errors.New("detector has no allocation source or target provider")
	}

	targets, err := d.targets.GetTargets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load targets for user %s: %w", userID, err)
	}
	if len(targets) == 0 {
		d.log.Debug().Str("user_id", userID).Msg("No allocation targets configured")
		return make([]domain.RotationOpportunity, 0), nil
	}

	current, err := d.allocations.GetCurrentAllocation(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load allocation for user %s: %w", userID, err)
	}

	return d.Detect(ctx, userID, current, targets)
}

// referencePrice returns the price used to size a trade: the holding price from
// the snapshot, or a quote for symbols that are only targeted. Symbols the
// quote source does not know are skipped.
func (d *Detector) referencePrice(
	ctx context.Context,
	current *domain.PortfolioAllocation,
	symbol string,
) (decimal.Decimal, bool, error) {
	if holding, ok := current.Holding(symbol); ok && holding.Price.IsPositive() {
		return holding.Price, true, nil
	}
	if d.quotes == nil {
		d.log.Warn().Str("symbol", symbol).Msg("No price for targeted symbol, skipping")
		return decimal.Zero, false, nil
	}

	quote, err := d.quotes.GetQuote(ctx, symbol)
	if errors.Is(err, domain.ErrUnknownSymbol) {
		d.log.Warn().Str("symbol", symbol).Msg("Targeted symbol is not tradable, skipping")
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to quote %s: %w", symbol, err)
	}
	if !quote.Price.IsPositive() {
		d.log.Warn().Str("symbol", symbol).Msg("Quote has no price, skipping")
		return decimal.Zero, false, nil
	}
	return quote.Price, true, nil
}

func unionSymbols(a, b map[string]float64) []string {
	seen := make(map[string]bool, len(a)+len(b))
	symbols := make([]string, 0, len(a)+len(b))
	for _, m := range []map[string]float64{a, b} {
		for symbol := range m {
			if !seen[symbol] {
				seen[symbol] = true
				symbols = append(symbols, symbol)
			}
		}
	}
	sort.Strings(symbols)
	return symbols
}

func roundDrift(drift float64) float64 {
	return math.Round(drift*driftPrecision) / driftPrecision
}
