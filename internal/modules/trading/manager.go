// Package trading runs rotation trades through validation, preparation,
// execution and cancellation.
package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/rotation/internal/domain"
	"github.com/aristath/rotation/internal/events"
	"github.com/aristath/rotation/internal/locking"
	"github.com/aristath/rotation/internal/reliability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// backfillBatch bounds how many trades one backfill pass copies to the ledger.
const backfillBatch = 500

// CycleCoordinator is implemented by the cycle manager. Every method is called
// with the user's lock held.
type CycleCoordinator interface {
	// EnsureExecutable fails with InvalidStateError unless the cycle is active or executing.
	EnsureExecutable(ctx context.Context, cycleID string) error
	// MarkExecuting moves an active cycle to executing; executing cycles are left as they are.
	MarkExecuting(ctx context.Context, cycleID string) error
	// SettleLocked recomputes the cycle aggregates and settles it once every trade is terminal.
	SettleLocked(ctx context.Context, cycleID string) error
}

// TradeLedger is the audit store terminal trades are copied to.
type TradeLedger interface {
	RecordTrade(ctx context.Context, trade *domain.RotationTrade) error
	ListTrades(ctx context.Context, userID string, page domain.PageParams) ([]domain.RotationTrade, error)
}

// Policy bounds the collaborator calls made while advancing a trade.
type Policy struct {
	Submit reliability.RetryPolicy // order submission
	Quote  reliability.RetryPolicy // quotes during validation and preparation
}

// Manager handles the trade lifecycle.
//
// Status changes happen under the user's lock and as compare-and-swap updates;
// quote and order calls happen outside the lock.
type Manager struct {
	repo         *Repository
	quotes       domain.QuoteSource
	allocations  domain.AllocationSource
	gateway      domain.ExecutionGateway
	marketHours  domain.MarketHoursChecker
	locker       locking.Locker
	ledger       TradeLedger
	cycles       CycleCoordinator
	eventManager *events.Manager
	policy       Policy
	flight       singleflight.Group
	now          func() time.Time
	log          zerolog.Logger
}

// NewManager creates a new trade lifecycle manager
func NewManager(
	repo *Repository,
	quotes domain.QuoteSource,
	allocations domain.AllocationSource,
	gateway domain.ExecutionGateway,
	marketHours domain.MarketHoursChecker,
	locker locking.Locker,
	ledger TradeLedger,
	eventManager *events.Manager,
	policy Policy,
	log zerolog.Logger,
) *Manager {
	return &Manager{
		repo:         repo,
		quotes:       quotes,
		allocations:  allocations,
		gateway:      gateway,
		marketHours:  marketHours,
		locker:       locker,
		ledger:       ledger,
		eventManager: eventManager,
		policy:       policy,
		now:          time.Now,
		log:          log.With().Str("service", "trading").Logger(),
	}
}

// SetCycleCoordinator sets the cycle manager (for dependency injection)
func (m *Manager) SetCycleCoordinator(cycles CycleCoordinator) {
	m.cycles = cycles
}

// Get returns a trade by id
func (m *Manager) Get(ctx context.Context, tradeID string) (*domain.RotationTrade, error) {
	return m.repo.Get(ctx, tradeID)
}

// CreateStandalone creates a pending trade outside any cycle.
func (m *Manager) CreateStandalone(
	ctx context.Context,
	userID, symbol string,
	action domain.TradeAction,
	quantity int64,
) (*domain.RotationTrade, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if userID == "" || symbol == "" {
		return nil, fmt.Errorf("%w: user id and symbol are required", domain.ErrInvalidInput)
	}
	if !action.IsValid() {
		return nil, fmt.Errorf("%w: invalid trade action %q", domain.ErrInvalidInput, action)
	}

	trade := &domain.RotationTrade{
		ID:             uuid.New().String(),
		UserID:         userID,
		Symbol:         symbol,
		Action:         action,
		Quantity:       quantity,
		Price:          decimal.Zero,
		EstimatedValue: decimal.Zero,
		Status:         domain.TradeStatusPending,
		CreatedAt:      m.now().UTC(),
	}
	if err := m.repo.Insert(ctx, trade); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("trade_id", trade.ID).
		Str("user_id", userID).
		Str("symbol", symbol).
		Str("action", string(action)).
		Int64("quantity", quantity).
		Msg("Standalone trade created")

	return m.repo.Get(ctx, trade.ID)
}

// Validate checks quantity, symbol, market hours and funds/holdings and moves
// the trade pending -> validated. A failed check moves the trade to failed and
// returns *domain.ValidationError. Collaborator failures leave it pending.
func (m *Manager) Validate(ctx context.Context, tradeID string) (*domain.RotationTrade, error) {
	trade, err := m.repo.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != domain.TradeStatusPending {
		return nil, &domain.InvalidTransitionError{
			Entity: "trade", ID: tradeID, From: string(trade.Status), To: string(domain.TradeStatusValidated),
		}
	}

	price, reason, detail, err := m.runValidationChecks(ctx, trade)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locker.Lock(ctx, locking.UserKey(trade.UserID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := m.ensureExecutable(ctx, trade); err != nil {
		return nil, err
	}

	if reason != "" {
		if err := m.repo.MarkFailed(ctx, tradeID, domain.TradeStatusPending, reason); err != nil {
			return nil, err
		}
		failed := m.afterTerminalLocked(ctx, tradeID, domain.TradeStatusPending)
		m.log.Info().
			Str("trade_id", tradeID).
			Str("reason", string(reason)).
			Str("detail", detail).
			Msg("Trade failed validation")
		if failed == nil {
			failed = trade
		}
		return failed, &domain.ValidationError{TradeID: tradeID, Reason: reason, Detail: detail}
	}

	if err := m.repo.MarkValidated(ctx, tradeID, price); err != nil {
		return nil, err
	}
	m.emitTransition(trade, domain.TradeStatusPending, domain.TradeStatusValidated)

	return m.repo.Get(ctx, tradeID)
}

// runValidationChecks returns the quoted price, or the failure reason when a
// check fails. err is only set for collaborator failures.
func (m *Manager) runValidationChecks(
	ctx context.Context,
	trade *domain.RotationTrade,
) (decimal.Decimal, domain.FailureReason, string, error) {
	if trade.Quantity <= 0 {
		return decimal.Zero, domain.ReasonInvalidQuantity,
			fmt.Sprintf("quantity %d is not positive", trade.Quantity), nil
	}

	quote, err := m.quote(ctx, trade.Symbol)
	if errors.Is(err, domain.ErrUnknownSymbol) {
		return decimal.Zero, domain.ReasonUnknownSymbol, err.Error(), nil
	}
	if err != nil {
		return decimal.Zero, "", "", &domain.StalePriceError{Symbol: trade.Symbol, Err: err}
	}

	if m.marketHours != nil && !m.marketHours.IsMarketOpen(quote.Exchange, m.now()) {
		return decimal.Zero, domain.ReasonMarketClosed,
			fmt.Sprintf("%s is closed", quote.Exchange), nil
	}

	allocation, err := m.allocations.GetCurrentAllocation(ctx, trade.UserID)
	if err != nil {
		return decimal.Zero, "", "", fmt.Errorf("failed to load allocation for user %s: %w", trade.UserID, err)
	}

	switch trade.Action {
	case domain.TradeActionBuy:
		required := quote.Price.Mul(decimal.NewFromInt(trade.Quantity))
		if allocation.Cash.LessThan(required) {
			return decimal.Zero, domain.ReasonInsufficientFunds,
				fmt.Sprintf("cash %s is less than %s", allocation.Cash, required), nil
		}
	case domain.TradeActionSell:
		holding, _ := allocation.Holding(trade.Symbol)
		if holding.Quantity < trade.Quantity {
			return decimal.Zero, domain.ReasonInsufficientFunds,
				fmt.Sprintf("holding %d is less than %d", holding.Quantity, trade.Quantity), nil
		}
	default:
		return decimal.Zero, domain.ReasonInvalidQuantity, fmt.Sprintf("unknown action %q", trade.Action), nil
	}

	return quote.Price, "", "", nil
}

// Prepare re-quotes the symbol and locks the price: validated -> prepared.
// When no fresh quote can be had the trade stays validated and
// *domain.StalePriceError is returned.
func (m *Manager) Prepare(ctx context.Context, tradeID string) (*domain.RotationTrade, error) {
	trade, err := m.repo.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != domain.TradeStatusValidated {
		return nil, &domain.InvalidTransitionError{
			Entity: "trade", ID: tradeID, From: string(trade.Status), To: string(domain.TradeStatusPrepared),
		}
	}

	quote, err := m.quote(ctx, trade.Symbol)
	if err != nil {
		return nil, &domain.StalePriceError{Symbol: trade.Symbol, Err: err}
	}
	estimated := quote.Price.Mul(decimal.NewFromInt(trade.Quantity))

	unlock, err := m.locker.Lock(ctx, locking.UserKey(trade.UserID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := m.ensureExecutable(ctx, trade); err != nil {
		return nil, err
	}
	if err := m.repo.MarkPrepared(ctx, tradeID, quote.Price, estimated); err != nil {
		return nil, err
	}
	m.emitTransition(trade, domain.TradeStatusValidated, domain.TradeStatusPrepared)

	m.log.Info().
		Str("trade_id", tradeID).
		Str("price", quote.Price.String()).
		Str("estimated_value", estimated.String()).
		Msg("Trade prepared")

	return m.repo.Get(ctx, tradeID)
}

// Execute submits a prepared trade. It is idempotent: a trade that is not
// prepared is returned as it is without submitting, and concurrent callers
// share one submission. pending and validated trades return
// InvalidTransitionError.
//
// Submission runs detached from the caller's cancellation so that an order
// that reached the gateway is always settled.
func (m *Manager) Execute(ctx context.Context, tradeID string) (*domain.RotationTrade, error) {
	detached := context.WithoutCancel(ctx)
	result, err, shared := m.flight.Do(tradeID, func() (interface{}, error) {
		return m.execute(detached, tradeID)
	})
	if shared {
		m.log.Debug().Str("trade_id", tradeID).Msg("Joined in-flight execution")
	}
	if err != nil {
		return nil, err
	}

	trade := *result.(*domain.RotationTrade)
	return &trade, nil
}

func (m *Manager) execute(ctx context.Context, tradeID string) (*domain.RotationTrade, error) {
	trade, started, err := m.beginExecution(ctx, tradeID)
	if err != nil || !started {
		return trade, err
	}

	req := domain.OrderRequest{
		ClientOrderID: trade.ID,
		AccountID:     trade.UserID,
		Symbol:        trade.Symbol,
		Action:        trade.Action,
		Quantity:      trade.Quantity,
		LimitPrice:    trade.Price,
	}

	var outcome *domain.OrderOutcome
	submitErr := reliability.Retry(ctx, m.policy.Submit, func(ctx context.Context) error {
		var err error
		outcome, err = m.gateway.SubmitOrder(ctx, req)
		return err
	})

	return m.finishExecution(ctx, trade, outcome, submitErr)
}

// beginExecution moves a prepared trade to executing under the user lock.
// started is false when the trade is returned without being submitted.
func (m *Manager) beginExecution(ctx context.Context, tradeID string) (*domain.RotationTrade, bool, error) {
	trade, err := m.repo.Get(ctx, tradeID)
	if err != nil {
		return nil, false, err
	}

	unlock, err := m.locker.Lock(ctx, locking.UserKey(trade.UserID))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	trade, err = m.repo.Get(ctx, tradeID)
	if err != nil {
		return nil, false, err
	}

	switch trade.Status {
	case domain.TradeStatusPrepared:
	case domain.TradeStatusPending, domain.TradeStatusValidated:
		return nil, false, &domain.InvalidTransitionError{
			Entity: "trade", ID: tradeID, From: string(trade.Status), To: string(domain.TradeStatusExecuting),
		}
	default:
		return trade, false, nil
	}

	if err := m.ensureExecutable(ctx, trade); err != nil {
		return nil, false, err
	}
	// The cycle moves first so a trade never executes under an active cycle
	if !trade.IsStandalone() && m.cycles != nil {
		if err := m.cycles.MarkExecuting(ctx, *trade.CycleID); err != nil {
			return nil, false, fmt.Errorf("failed to mark cycle %s executing: %w", *trade.CycleID, err)
		}
	}
	if err := m.repo.MarkExecuting(ctx, tradeID, m.now()); err != nil {
		return nil, false, err
	}
	m.emitTransition(trade, domain.TradeStatusPrepared, domain.TradeStatusExecuting)

	m.log.Info().
		Str("trade_id", tradeID).
		Str("symbol", trade.Symbol).
		Str("action", string(trade.Action)).
		Int64("quantity", trade.Quantity).
		Str("limit_price", trade.Price.String()).
		Msg("Submitting order")

	return trade, true, nil
}

// finishExecution records the outcome of a submission under the user lock.
func (m *Manager) finishExecution(
	ctx context.Context,
	trade *domain.RotationTrade,
	outcome *domain.OrderOutcome,
	submitErr error,
) (*domain.RotationTrade, error) {
	unlock, err := m.locker.Lock(ctx, locking.UserKey(trade.UserID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	reason := failureReason(outcome, submitErr)
	if reason == "" {
		err = m.repo.MarkExecuted(ctx, trade.ID, outcome.Value(), m.now())
	} else {
		err = m.repo.MarkFailed(ctx, trade.ID, domain.TradeStatusExecuting, reason)
	}

	var lost *domain.InvalidTransitionError
	if errors.As(err, &lost) {
		m.log.Warn().
			Str("trade_id", trade.ID).
			Str("observed", lost.From).
			Msg("Trade left executing before the submission finished")
		return m.repo.Get(ctx, trade.ID)
	}
	if err != nil {
		return nil, err
	}

	event := m.log.Info().Str("trade_id", trade.ID)
	if reason == "" {
		event.Str("actual_value", outcome.Value().String()).Msg("Trade executed")
	} else {
		event.Str("reason", string(reason)).AnErr("submit_error", submitErr).Msg("Trade execution failed")
	}

	updated := m.afterTerminalLocked(ctx, trade.ID, domain.TradeStatusExecuting)
	if updated == nil {
		return m.repo.Get(ctx, trade.ID)
	}
	return updated, nil
}

// failureReason maps a submission result to the trade's failure reason, or ""
// for a fill.
func failureReason(outcome *domain.OrderOutcome, err error) domain.FailureReason {
	if err == nil {
		if outcome == nil {
			return domain.ReasonGatewayError
		}
		if outcome.Status == domain.OrderStatusFilled {
			return ""
		}
		return domain.ReasonOrderRejected
	}

	var exhausted *reliability.ExhaustedError
	if errors.As(err, &exhausted) {
		switch exhausted.Kind() {
		case domain.TransientTimeout:
			return domain.ReasonExecutionTimeout
		case domain.TransientRateLimit:
			return domain.ReasonRateLimited
		case domain.TransientUnavailable:
			return domain.ReasonGatewayError
		}
	}
	return domain.ReasonGatewayError
}

// Cancel cancels a trade that has not started executing. Cancelling an
// already-cancelled trade succeeds; any other terminal or executing trade
// returns *domain.TooLateToCancelError.
func (m *Manager) Cancel(ctx context.Context, tradeID string) (*domain.RotationTrade, error) {
	trade, err := m.repo.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locker.Lock(ctx, locking.UserKey(trade.UserID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	return m.CancelLocked(ctx, tradeID)
}

// CancelLocked is Cancel for callers that already hold the user's lock.
func (m *Manager) CancelLocked(ctx context.Context, tradeID string) (*domain.RotationTrade, error) {
	trade, err := m.repo.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	if trade.Status == domain.TradeStatusCancelled {
		return trade, nil
	}
	if !trade.Status.IsCancellable() {
		return nil, &domain.TooLateToCancelError{TradeID: tradeID, Status: trade.Status}
	}

	if err := m.repo.MarkCancelled(ctx, tradeID, trade.Status); err != nil {
		return nil, err
	}
	m.log.Info().Str("trade_id", tradeID).Str("from", string(trade.Status)).Msg("Trade cancelled")

	updated := m.afterTerminalLocked(ctx, tradeID, trade.Status)
	if updated == nil {
		return m.repo.Get(ctx, tradeID)
	}
	return updated, nil
}

// CancelOpenLocked cancels every cancellable trade of a cycle and reports how
// many are still executing. Called by the cycle manager with the lock held;
// the cycle itself is not settled.
func (m *Manager) CancelOpenLocked(ctx context.Context, cycleID string) (cancelled, inFlight int, err error) {
	trades, err := m.repo.ListByCycle(ctx, cycleID)
	if err != nil {
		return 0, 0, err
	}

	for i := range trades {
		trade := &trades[i]
		switch {
		case trade.Status == domain.TradeStatusExecuting:
			inFlight++
		case trade.Status.IsCancellable():
			if err := m.repo.MarkCancelled(ctx, trade.ID, trade.Status); err != nil {
				var lost *domain.InvalidTransitionError
				if errors.As(err, &lost) {
					m.log.Warn().Str("trade_id", trade.ID).Str("observed", lost.From).Msg("Trade moved before it could be cancelled")
					if lost.From == string(domain.TradeStatusExecuting) {
						inFlight++
					}
					continue
				}
				return cancelled, inFlight, err
			}
			cancelled++
			m.recordTerminal(ctx, trade.ID)
			m.emitTransition(trade, trade.Status, domain.TradeStatusCancelled)
		}
	}
	return cancelled, inFlight, nil
}

// Advance runs whichever of validate, prepare and execute applies next until
// the trade is terminal, a step fails or it is left executing elsewhere.
func (m *Manager) Advance(ctx context.Context, tradeID string) (*domain.RotationTrade, error) {
	trade, err := m.repo.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	for step := 0; step < 4 && !trade.Status.IsTerminal(); step++ {
		switch trade.Status {
		case domain.TradeStatusPending:
			trade, err = m.Validate(ctx, tradeID)
		case domain.TradeStatusValidated:
			trade, err = m.Prepare(ctx, tradeID)
		case domain.TradeStatusPrepared, domain.TradeStatusExecuting:
			return m.Execute(ctx, tradeID)
		}
		if err != nil {
			return trade, err
		}
	}
	return trade, nil
}

// Pending returns the user's non-terminal trades
func (m *Manager) Pending(ctx context.Context, userID string) ([]domain.RotationTrade, error) {
	return m.repo.ListOpenByUser(ctx, userID)
}

// History returns terminal trade snapshots from the ledger, newest first
func (m *Manager) History(ctx context.Context, userID string, page domain.PageParams) ([]domain.RotationTrade, error) {
	return m.ledger.ListTrades(ctx, userID, page.Normalize())
}

// ReapStale fails trades stuck in executing for longer than olderThan, e.g.
// after a crash between submission and settlement.
func (m *Manager) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := m.repo.ListExecutingSince(ctx, m.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for i := range stale {
		trade := &stale[i]
		if err := m.reapOne(ctx, trade); err != nil {
			m.log.Error().Err(err).Str("trade_id", trade.ID).Msg("Failed to reap stale trade")
			continue
		}
		reaped++
	}

	if reaped > 0 {
		m.log.Warn().Int("reaped", reaped).Dur("older_than", olderThan).Msg("Reaped stale executing trades")
	}
	return reaped, nil
}

func (m *Manager) reapOne(ctx context.Context, trade *domain.RotationTrade) error {
	unlock, err := m.locker.Lock(ctx, locking.UserKey(trade.UserID))
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.repo.MarkFailed(ctx, trade.ID, domain.TradeStatusExecuting, domain.ReasonExecutionTimeout); err != nil {
		return err
	}
	m.afterTerminalLocked(ctx, trade.ID, domain.TradeStatusExecuting)
	return nil
}

// BackfillLedger copies terminal trades whose inline ledger write failed.
func (m *Manager) BackfillLedger(ctx context.Context) (int, error) {
	trades, err := m.repo.ListUnarchivedTerminal(ctx, backfillBatch)
	if err != nil {
		return 0, err
	}

	recorded := 0
	for i := range trades {
		if err := m.ledger.RecordTrade(ctx, &trades[i]); err != nil {
			m.log.Warn().Err(err).Str("trade_id", trades[i].ID).Msg("Ledger backfill failed")
			continue
		}
		if err := m.repo.MarkArchived(ctx, trades[i].ID); err != nil {
			return recorded, err
		}
		recorded++
	}
	return recorded, nil
}

// afterTerminalLocked records a trade that just became terminal, settles its
// cycle and emits the transition. Returns the updated trade, or nil if it
// could not be reloaded.
func (m *Manager) afterTerminalLocked(ctx context.Context, tradeID string, from domain.TradeStatus) *domain.RotationTrade {
	trade := m.recordTerminal(ctx, tradeID)
	if trade == nil {
		return nil
	}

	if !trade.IsStandalone() && m.cycles != nil {
		if err := m.cycles.SettleLocked(ctx, *trade.CycleID); err != nil {
			m.log.Error().Err(err).Str("cycle_id", *trade.CycleID).Msg("Failed to settle cycle")
		}
	}

	m.emitTransition(trade, from, trade.Status)
	return trade
}

// recordTerminal copies a terminal trade to the ledger. A failed write is left
// for the backfill job.
func (m *Manager) recordTerminal(ctx context.Context, tradeID string) *domain.RotationTrade {
	trade, err := m.repo.Get(ctx, tradeID)
	if err != nil {
		m.log.Error().Err(err).Str("trade_id", tradeID).Msg("Failed to reload terminal trade")
		return nil
	}

	if err := m.ledger.RecordTrade(ctx, trade); err != nil {
		m.log.Warn().Err(err).Str("trade_id", tradeID).Msg("Failed to record trade in ledger, leaving it for backfill")
		return trade
	}
	if err := m.repo.MarkArchived(ctx, tradeID); err != nil {
		m.log.Warn().Err(err).Str("trade_id", tradeID).Msg("Failed to mark trade archived")
	}
	return trade
}

func (m *Manager) ensureExecutable(ctx context.Context, trade *domain.RotationTrade) error {
	if trade.IsStandalone() || m.cycles == nil {
		return nil
	}
	return m.cycles.EnsureExecutable(ctx, *trade.CycleID)
}

// quote fetches a quote with bounded retries on transient failures.
func (m *Manager) quote(ctx context.Context, symbol string) (*domain.Quote, error) {
	var quote *domain.Quote
	err := reliability.Retry(ctx, m.policy.Quote, func(ctx context.Context) error {
		var err error
		quote, err = m.quotes.GetQuote(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to quote %s: %w", symbol, err)
	}
	return quote, nil
}

func (m *Manager) emitTransition(trade *domain.RotationTrade, from, to domain.TradeStatus) {
	data := &events.TradeStatusChangedData{
		TradeID:       trade.ID,
		UserID:        trade.UserID,
		Symbol:        trade.Symbol,
		From:          string(from),
		To:            string(to),
		FailureReason: string(trade.FailureReason),
	}
	if trade.CycleID != nil {
		data.CycleID = *trade.CycleID
	}
	if trade.ActualValue.Valid {
		data.ActualValue = trade.ActualValue.Decimal.String()
	}
	m.eventManager.Emit("trading", data)
}
