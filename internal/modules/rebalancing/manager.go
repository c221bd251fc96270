package rebalancing

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/rotation/internal/domain"
	"github.com/aristath/rotation/internal/events"
	"github.com/aristath/rotation/internal/locking"
	"github.com/aristath/rotation/internal/modules/trading"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

const backfillBatch = 200

// CycleLedger is the audit store terminal cycles are copied to.
type CycleLedger interface {
	RecordCycle(ctx context.Context, cycle *domain.RotationCycle) error
	ListCycles(ctx context.Context, userID string, page domain.PageParams) ([]domain.RotationCycle, error)
}

// TradeLifecycle is the part of the trade manager cycles drive.
type TradeLifecycle interface {
	Advance(ctx context.Context, tradeID string) (*domain.RotationTrade, error)
	CancelOpenLocked(ctx context.Context, cycleID string) (cancelled, inFlight int, err error)
}

// TradeOutcome is the result of advancing one trade during a rotation.
type TradeOutcome struct {
	Trade domain.RotationTrade `json:"trade"`
	Error string               `json:"error,omitempty"`
}

// RotationResult is returned by ExecuteRotation.
type RotationResult struct {
	Cycle    *domain.RotationCycle `json:"cycle"`
	Outcomes []TradeOutcome        `json:"outcomes"`
}

// Manager handles the cycle lifecycle. It implements trading.CycleCoordinator.
type Manager struct {
	repo         *Repository
	trades       *trading.Repository
	lifecycle    TradeLifecycle
	locker       locking.Locker
	ledger       CycleLedger
	eventManager *events.Manager
	parallelism  int
	now          func() time.Time
	log          zerolog.Logger
}

// NewManager creates a new cycle manager. parallelism bounds how many trades
// of one cycle advance at the same time.
func NewManager(
	repo *Repository,
	trades *trading.Repository,
	lifecycle TradeLifecycle,
	locker locking.Locker,
	ledger CycleLedger,
	eventManager *events.Manager,
	parallelism int,
	log zerolog.Logger,
) *Manager {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Manager{
		repo:         repo,
		trades:       trades,
		lifecycle:    lifecycle,
		locker:       locker,
		ledger:       ledger,
		eventManager: eventManager,
		parallelism:  parallelism,
		now:          time.Now,
		log:          log.With().Str("service", "rebalancing").Logger(),
	}
}

// CreateCycle creates a pending cycle with one pending trade per opportunity.
// Returns *domain.ConflictError when the user already has an open cycle.
func (m *Manager) CreateCycle(
	ctx context.Context,
	userID string,
	configID *string,
	opportunities []domain.RotationOpportunity,
) (*domain.RotationCycle, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	if len(opportunities) == 0 {
		return nil, fmt.Errorf("%w: a cycle needs at least one opportunity", domain.ErrInvalidInput)
	}

	now := m.now().UTC()
	cycle := &domain.RotationCycle{
		ID:        uuid.New().String(),
		UserID:    userID,
		ConfigID:  configID,
		Status:    domain.CycleStatusPending,
		CreatedAt: now,
	}

	drifts := make([]float64, 0, len(opportunities))
	trades := make([]domain.RotationTrade, 0, len(opportunities))
	total := decimal.Zero
	for _, opp := range opportunities {
		if !opp.Action.IsValid() {
			return nil, fmt.Errorf("%w: opportunity %s has no action", domain.ErrInvalidInput, opp.Symbol)
		}
		drifts = append(drifts, opp.Drift)
		total = total.Add(opp.EstimatedTradeValue)
		trades = append(trades, domain.RotationTrade{
			ID:             uuid.New().String(),
			CycleID:        &cycle.ID,
			UserID:         userID,
			Symbol:         opp.Symbol,
			Action:         opp.Action,
			Quantity:       quantityFor(opp),
			Price:          opp.ReferencePrice,
			EstimatedValue: opp.EstimatedTradeValue,
			Status:         domain.TradeStatusPending,
			CreatedAt:      now,
		})
	}
	cycle.MaxDrift = floats.Max(drifts)
	cycle.TradesCount = len(trades)
	cycle.TotalValue = total

	unlock, err := m.locker.Lock(ctx, locking.UserKey(userID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	open, err := m.repo.FindOpen(ctx, userID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, &domain.ConflictError{UserID: userID, OpenCycleID: open.ID, OpenCycleStat: open.Status}
	}

	if err := m.repo.CreateWithTrades(ctx, cycle, trades); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("cycle_id", cycle.ID).
		Str("user_id", userID).
		Int("trades", cycle.TradesCount).
		Float64("max_drift", cycle.MaxDrift).
		Str("total_value", total.String()).
		Msg("Rotation cycle created")

	m.eventManager.Emit("rebalancing", &events.CycleCreatedData{
		CycleID:     cycle.ID,
		UserID:      userID,
		TradesCount: cycle.TradesCount,
		MaxDrift:    cycle.MaxDrift,
	})

	return m.repo.Get(ctx, cycle.ID)
}

// quantityFor sizes a trade as the whole number of shares the estimated value buys.
func quantityFor(opp domain.RotationOpportunity) int64 {
	if !opp.ReferencePrice.IsPositive() {
		return 0
	}
	return opp.EstimatedTradeValue.Div(opp.ReferencePrice).Floor().IntPart()
}

// EnableRotation activates a pending cycle so that its trades may advance.
func (m *Manager) EnableRotation(ctx context.Context, cycleID string) (*domain.RotationCycle, error) {
	cycle, unlock, err := m.lockCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if cycle.Status != domain.CycleStatusPending {
		return nil, &domain.InvalidStateError{
			Entity: "cycle", ID: cycleID, Operation: "enable", Current: string(cycle.Status),
			Expected: []string{string(domain.CycleStatusPending)},
		}
	}

	if err := m.repo.UpdateStatus(ctx, cycleID, domain.CycleStatusPending, domain.CycleStatusActive, m.now()); err != nil {
		return nil, err
	}
	m.emitStatus(cycle, domain.CycleStatusPending, domain.CycleStatusActive)
	m.log.Info().Str("cycle_id", cycleID).Msg("Rotation enabled")

	// trades cancelled while the cycle was pending may already settle it
	if err := m.SettleLocked(ctx, cycleID); err != nil {
		return nil, err
	}
	return m.repo.Get(ctx, cycleID)
}

// SetStatus moves a cycle along the transition table. Cancelling delegates to
// CancelCycle; terminal statuses stamp CompletedAt and recompute aggregates.
func (m *Manager) SetStatus(ctx context.Context, cycleID string, status domain.CycleStatus) (*domain.RotationCycle, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown cycle status %q", domain.ErrInvalidInput, status)
	}
	if status == domain.CycleStatusCancelled {
		return m.CancelCycle(ctx, cycleID)
	}

	cycle, unlock, err := m.lockCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !cycle.Status.CanTransitionTo(status) {
		return nil, &domain.InvalidTransitionError{
			Entity: "cycle", ID: cycleID, From: string(cycle.Status), To: string(status),
		}
	}

	if status.IsTerminal() {
		if err := m.closeChildrenLocked(ctx, cycle, "set status of"); err != nil {
			return nil, err
		}
		if _, err := m.recomputeAggregates(ctx, cycle); err != nil {
			return nil, err
		}
		if err := m.finalizeLocked(ctx, cycle, status); err != nil {
			return nil, err
		}
		return m.repo.Get(ctx, cycleID)
	}

	if err := m.repo.UpdateStatus(ctx, cycleID, cycle.Status, status, m.now()); err != nil {
		return nil, err
	}
	m.emitStatus(cycle, cycle.Status, status)
	if status == domain.CycleStatusActive {
		if err := m.SettleLocked(ctx, cycleID); err != nil {
			return nil, err
		}
	}
	return m.repo.Get(ctx, cycleID)
}

// CancelCycle cancels every trade that has not started executing. With no
// trade in flight the cycle is cancelled at once; otherwise it is flagged as
// cancelling and settles when the in-flight trades finish.
func (m *Manager) CancelCycle(ctx context.Context, cycleID string) (*domain.RotationCycle, error) {
	cycle, unlock, err := m.lockCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if cycle.Status != domain.CycleStatusActive && cycle.Status != domain.CycleStatusExecuting {
		return nil, &domain.InvalidStateError{
			Entity: "cycle", ID: cycleID, Operation: "cancel", Current: string(cycle.Status),
			Expected: []string{string(domain.CycleStatusActive), string(domain.CycleStatusExecuting)},
		}
	}

	cancelled, inFlight, err := m.lifecycle.CancelOpenLocked(ctx, cycleID)
	if err != nil {
		return nil, err
	}

	m.log.Info().
		Str("cycle_id", cycleID).
		Int("cancelled_trades", cancelled).
		Int("in_flight", inFlight).
		Msg("Cycle cancellation requested")

	if inFlight > 0 {
		if err := m.repo.SetCancelRequested(ctx, cycleID); err != nil {
			return nil, err
		}
		if _, err := m.recomputeAggregates(ctx, cycle); err != nil {
			return nil, err
		}
		return m.repo.Get(ctx, cycleID)
	}

	if _, err := m.recomputeAggregates(ctx, cycle); err != nil {
		return nil, err
	}
	if err := m.finalizeLocked(ctx, cycle, domain.CycleStatusCancelled); err != nil {
		return nil, err
	}
	return m.repo.Get(ctx, cycleID)
}

// ExecuteRotation advances every open trade of an active or executing cycle
// concurrently and returns the outcome of each trade in creation order.
func (m *Manager) ExecuteRotation(ctx context.Context, cycleID string) (*RotationResult, error) {
	cycle, err := m.repo.Get(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if err := executable(cycle, "execute"); err != nil {
		return nil, err
	}

	trades, err := m.trades.ListByCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	outcomes := make([]TradeOutcome, len(trades))

	var g errgroup.Group
	g.SetLimit(m.parallelism)
	for i := range trades {
		i := i
		outcomes[i].Trade = trades[i]
		if trades[i].Status.IsTerminal() {
			continue
		}
		g.Go(func() error {
			trade, err := m.lifecycle.Advance(ctx, trades[i].ID)
			if trade != nil {
				outcomes[i].Trade = *trade
			}
			if err != nil {
				outcomes[i].Error = err.Error()
				m.log.Warn().Err(err).Str("trade_id", trades[i].ID).Msg("Trade did not complete")
			}
			return nil
		})
	}
	_ = g.Wait()

	cycle, err = m.repo.Get(ctx, cycleID)
	if err != nil {
		return nil, err
	}

	m.log.Info().
		Str("cycle_id", cycleID).
		Str("status", cycle.DisplayStatus()).
		Int("trades", len(trades)).
		Dur("duration", time.Since(started)).
		Msg("Rotation executed")

	return &RotationResult{Cycle: cycle, Outcomes: outcomes}, nil
}

// Get returns a cycle by id
func (m *Manager) Get(ctx context.Context, cycleID string) (*domain.RotationCycle, error) {
	return m.repo.Get(ctx, cycleID)
}

// Trades returns a cycle's trades in creation order
func (m *Manager) Trades(ctx context.Context, cycleID string) ([]domain.RotationTrade, error) {
	if _, err := m.repo.Get(ctx, cycleID); err != nil {
		return nil, err
	}
	return m.trades.ListByCycle(ctx, cycleID)
}

// ListActive returns the user's non-terminal cycles
func (m *Manager) ListActive(ctx context.Context, userID string) ([]domain.RotationCycle, error) {
	return m.repo.ListOpenByUser(ctx, userID)
}

// History returns terminal cycle snapshots from the ledger, newest first
func (m *Manager) History(ctx context.Context, userID string, page domain.PageParams) ([]domain.RotationCycle, error) {
	return m.ledger.ListCycles(ctx, userID, page.Normalize())
}

// EnsureExecutable implements trading.CycleCoordinator
func (m *Manager) EnsureExecutable(ctx context.Context, cycleID string) error {
	cycle, err := m.repo.Get(ctx, cycleID)
	if err != nil {
		return err
	}
	return executable(cycle, "advance trades of")
}

// MarkExecuting implements trading.CycleCoordinator
func (m *Manager) MarkExecuting(ctx context.Context, cycleID string) error {
	cycle, err := m.repo.Get(ctx, cycleID)
	if err != nil {
		return err
	}
	if cycle.Status != domain.CycleStatusActive {
		return nil
	}
	if err := m.repo.UpdateStatus(ctx, cycleID, domain.CycleStatusActive, domain.CycleStatusExecuting, m.now()); err != nil {
		return err
	}
	m.emitStatus(cycle, domain.CycleStatusActive, domain.CycleStatusExecuting)
	return nil
}

// SettleLocked implements trading.CycleCoordinator. It recomputes the
// aggregates from the current trades and, once every trade is terminal,
// settles the cycle: completed if any trade executed, failed if any failed
// and none executed, cancelled otherwise. Pending cycles are never settled.
func (m *Manager) SettleLocked(ctx context.Context, cycleID string) error {
	cycle, err := m.repo.Get(ctx, cycleID)
	if err != nil {
		return err
	}
	if cycle.Status.IsTerminal() {
		return nil
	}

	tally, err := m.recomputeAggregates(ctx, cycle)
	if err != nil {
		return err
	}
	if cycle.Status == domain.CycleStatusPending || tally.open > 0 {
		return nil
	}

	return m.finalizeLocked(ctx, cycle, tally.outcome())
}

// SettleOrphans settles started cycles whose trades all finished without the
// cycle following, e.g. after a crash between the two updates.
func (m *Manager) SettleOrphans(ctx context.Context) (int, error) {
	cycles, err := m.repo.ListStarted(ctx)
	if err != nil {
		return 0, err
	}

	settled := 0
	for i := range cycles {
		cycle := &cycles[i]
		unlock, err := m.locker.Lock(ctx, locking.UserKey(cycle.UserID))
		if err != nil {
			return settled, err
		}
		err = m.SettleLocked(ctx, cycle.ID)
		if err == nil {
			if current, getErr := m.repo.Get(ctx, cycle.ID); getErr == nil && current.Status.IsTerminal() {
				settled++
			}
		}
		unlock()
		if err != nil {
			m.log.Error().Err(err).Str("cycle_id", cycle.ID).Msg("Failed to settle cycle")
		}
	}
	return settled, nil
}

// BackfillLedger copies terminal cycles whose inline ledger write failed.
func (m *Manager) BackfillLedger(ctx context.Context) (int, error) {
	cycles, err := m.repo.ListUnarchivedTerminal(ctx, backfillBatch)
	if err != nil {
		return 0, err
	}

	recorded := 0
	for i := range cycles {
		if err := m.ledger.RecordCycle(ctx, &cycles[i]); err != nil {
			m.log.Warn().Err(err).Str("cycle_id", cycles[i].ID).Msg("Ledger backfill failed")
			continue
		}
		if err := m.repo.MarkArchived(ctx, cycles[i].ID); err != nil {
			return recorded, err
		}
		recorded++
	}
	return recorded, nil
}

// tradeTally summarises the trades of a cycle.
type tradeTally struct {
	executed, failed, cancelled, open int
	total                             decimal.Decimal
}

func (t tradeTally) outcome() domain.CycleStatus {
	switch {
	case t.executed > 0:
		return domain.CycleStatusCompleted
	case t.failed > 0:
		return domain.CycleStatusFailed
	default:
		return domain.CycleStatusCancelled
	}
}

// recomputeAggregates derives the trade count and total value from the
// current trades and stores them. TotalValue counts executed trades at their
// actual value and open trades at their estimate.
func (m *Manager) recomputeAggregates(ctx context.Context, cycle *domain.RotationCycle) (tradeTally, error) {
	trades, err := m.trades.ListByCycle(ctx, cycle.ID)
	if err != nil {
		return tradeTally{}, err
	}

	tally := tradeTally{total: decimal.Zero}
	for _, trade := range trades {
		switch trade.Status {
		case domain.TradeStatusExecuted:
			tally.executed++
			tally.total = tally.total.Add(trade.ActualValue.Decimal)
		case domain.TradeStatusFailed:
			tally.failed++
		case domain.TradeStatusCancelled:
			tally.cancelled++
		case domain.TradeStatusPending, domain.TradeStatusValidated,
			domain.TradeStatusPrepared, domain.TradeStatusExecuting:
			tally.open++
			tally.total = tally.total.Add(trade.EstimatedValue)
		}
	}

	if err := m.repo.UpdateAggregates(ctx, cycle.ID, len(trades), tally.total); err != nil {
		return tally, err
	}
	cycle.TradesCount = len(trades)
	cycle.TotalValue = tally.total
	return tally, nil
}

// finalizeLocked moves a cycle to a terminal status, records it in the ledger
// and emits the transition. A failed ledger write is left for the backfill job.
func (m *Manager) finalizeLocked(ctx context.Context, cycle *domain.RotationCycle, to domain.CycleStatus) error {
	// An active cycle whose trades ran without it following (a crash between
	// the two updates) passes through executing on its way to the outcome
	if !cycle.Status.CanTransitionTo(to) && cycle.Status == domain.CycleStatusActive &&
		domain.CycleStatusExecuting.CanTransitionTo(to) {
		if err := m.MarkExecuting(ctx, cycle.ID); err != nil {
			return err
		}
		cycle.Status = domain.CycleStatusExecuting
	}

	if err := m.repo.UpdateStatus(ctx, cycle.ID, cycle.Status, to, m.now()); err != nil {
		return err
	}

	settled, err := m.repo.Get(ctx, cycle.ID)
	if err != nil {
		return err
	}

	if err := m.ledger.RecordCycle(ctx, settled); err != nil {
		m.log.Warn().Err(err).Str("cycle_id", cycle.ID).Msg("Failed to record cycle in ledger, leaving it for backfill")
	} else if err := m.repo.MarkArchived(ctx, cycle.ID); err != nil {
		m.log.Warn().Err(err).Str("cycle_id", cycle.ID).Msg("Failed to mark cycle archived")
	}

	m.log.Info().
		Str("cycle_id", cycle.ID).
		Str("from", string(cycle.Status)).
		Str("to", string(to)).
		Str("total_value", settled.TotalValue.String()).
		Msg("Cycle settled")

	m.emitStatus(settled, cycle.Status, to)
	return nil
}

// closeChildrenLocked cancels the open trades of a cycle that is being forced
// into a terminal status. Refused while any trade is executing.
func (m *Manager) closeChildrenLocked(ctx context.Context, cycle *domain.RotationCycle, operation string) error {
	trades, err := m.trades.ListByCycle(ctx, cycle.ID)
	if err != nil {
		return err
	}
	for _, trade := range trades {
		if trade.Status == domain.TradeStatusExecuting {
			return &domain.InvalidStateError{
				Entity: "cycle", ID: cycle.ID, Operation: operation, Current: cycle.DisplayStatus(),
				Expected: []string{"no trade executing"},
			}
		}
	}

	_, _, err = m.lifecycle.CancelOpenLocked(ctx, cycle.ID)
	return err
}

// lockCycle takes the owning user's lock and returns the cycle as read under it.
func (m *Manager) lockCycle(ctx context.Context, cycleID string) (*domain.RotationCycle, func(), error) {
	cycle, err := m.repo.Get(ctx, cycleID)
	if err != nil {
		return nil, nil, err
	}

	unlock, err := m.locker.Lock(ctx, locking.UserKey(cycle.UserID))
	if err != nil {
		return nil, nil, err
	}

	cycle, err = m.repo.Get(ctx, cycleID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return cycle, unlock, nil
}

func (m *Manager) emitStatus(cycle *domain.RotationCycle, from, to domain.CycleStatus) {
	m.eventManager.Emit("rebalancing", &events.CycleStatusChangedData{
		CycleID:    cycle.ID,
		UserID:     cycle.UserID,
		From:       string(from),
		To:         string(to),
		TotalValue: cycle.TotalValue.String(),
	})
}

// executable fails unless trades of the cycle may advance.
func executable(cycle *domain.RotationCycle, operation string) error {
	if cycle.CancelRequested ||
		(cycle.Status != domain.CycleStatusActive && cycle.Status != domain.CycleStatusExecuting) {
		return &domain.InvalidStateError{
			Entity: "cycle", ID: cycle.ID, Operation: operation, Current: cycle.DisplayStatus(),
			Expected: []string{string(domain.CycleStatusActive), string(domain.CycleStatusExecuting)},
		}
	}
	return nil
}

var _ trading.CycleCoordinator = (*Manager)(nil)
