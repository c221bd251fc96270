package rebalancing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/rotation/internal/clients/paper"
	"github.com/aristath/rotation/internal/database"
	"github.com/aristath/rotation/internal/domain"
	"github.com/aristath/rotation/internal/events"
	"github.com/aristath/rotation/internal/locking"
	"github.com/aristath/rotation/internal/modules/ledger"
	"github.com/aristath/rotation/internal/modules/trading"
	"github.com/aristath/rotation/internal/reliability"
	testingpkg "github.com/aristath/rotation/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyLedger fails cycle writes while err is set.
type flakyLedger struct {
	*ledger.Store
	mu  sync.Mutex
	err error
}

func (l *flakyLedger) setError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *flakyLedger) RecordCycle(ctx context.Context, cycle *domain.RotationCycle) error {
	l.mu.Lock()
	err := l.err
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.Store.RecordCycle(ctx, cycle)
}

type testEnv struct {
	manager *Manager
	repo    *Repository
	trades  *trading.Repository
	broker  *paper.Broker
	ledger  *flakyLedger
	bus     *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	db := testingpkg.NewMemoryDB(t, database.NameRotation)
	store := ledger.NewStore(testingpkg.NewMemoryDB(t, database.NameLedger), log)
	history := &flakyLedger{Store: store}

	broker := paper.NewBroker(log)
	broker.SetQuote("AAPL", "NASDAQ", decimal.NewFromInt(200))
	broker.SetQuote("MSFT", "NASDAQ", decimal.NewFromInt(400))
	broker.SetCash("u1", decimal.NewFromInt(10000))
	broker.SetPosition("u1", "AAPL", 30)

	bus := events.NewBus()
	eventManager := events.NewManager(bus, log)
	locker := locking.NewKeyedMutex()

	tradeRepo := trading.NewRepository(db, log)
	policy := trading.Policy{
		Submit: reliability.RetryPolicy{MaxAttempts: 3},
		Quote:  reliability.RetryPolicy{MaxAttempts: 2},
	}
	lifecycle := trading.NewManager(tradeRepo, broker, broker, broker, testingpkg.NewMockMarketHours(),
		locker, history, eventManager, policy, log)

	repo := NewRepository(db, tradeRepo, log)
	manager := NewManager(repo, tradeRepo, lifecycle, locker, history, eventManager, 4, log)
	lifecycle.SetCycleCoordinator(manager)

	return &testEnv{
		manager: manager,
		repo:    repo,
		trades:  tradeRepo,
		broker:  broker,
		ledger:  history,
		bus:     bus,
	}
}

func opportunities() []domain.RotationOpportunity {
	return []domain.RotationOpportunity{
		{
			Symbol:              "AAPL",
			Action:              domain.TradeActionSell,
			CurrentWeight:       40,
			TargetWeight:        25,
			Drift:               15,
			EstimatedTradeValue: decimal.NewFromInt(1000),
			ReferencePrice:      decimal.NewFromInt(200),
		},
		{
			Symbol:              "MSFT",
			Action:              domain.TradeActionBuy,
			CurrentWeight:       10,
			TargetWeight:        22,
			Drift:               12,
			EstimatedTradeValue: decimal.NewFromInt(850),
			ReferencePrice:      decimal.NewFromInt(400),
		},
	}
}

func (e *testEnv) createCycle(t *testing.T, opps []domain.RotationOpportunity) *domain.RotationCycle {
	t.Helper()
	cycle, err := e.manager.CreateCycle(context.Background(), "u1", nil, opps)
	require.NoError(t, err)
	return cycle
}

func (e *testEnv) activeCycle(t *testing.T, opps []domain.RotationOpportunity) *domain.RotationCycle {
	t.Helper()
	cycle := e.createCycle(t, opps)
	cycle, err := e.manager.EnableRotation(context.Background(), cycle.ID)
	require.NoError(t, err)
	return cycle
}

func TestCreateCycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ch, unsubscribe := env.bus.Subscribe(8)
	defer unsubscribe()

	cycle := env.createCycle(t, opportunities())

	assert.Equal(t, domain.CycleStatusPending, cycle.Status)
	assert.Equal(t, 2, cycle.TradesCount)
	assert.Equal(t, 15.0, cycle.MaxDrift)
	assert.True(t, decimal.NewFromInt(1850).Equal(cycle.TotalValue))
	assert.Nil(t, cycle.CompletedAt)

	trades, err := env.manager.Trades(ctx, cycle.ID)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "AAPL", trades[0].Symbol)
	assert.Equal(t, domain.TradeActionSell, trades[0].Action)
	assert.Equal(t, int64(5), trades[0].Quantity)
	assert.Equal(t, "MSFT", trades[1].Symbol)
	assert.Equal(t, int64(2), trades[1].Quantity, "850 / 400 rounds down")
	for _, trade := range trades {
		assert.Equal(t, domain.TradeStatusPending, trade.Status)
		assert.Equal(t, cycle.ID, *trade.CycleID)
	}

	select {
	case event := <-ch:
		assert.Equal(t, events.CycleCreated, event.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a cycle created event")
	}
}

func TestCreateCycle_RejectsEmptyOpportunities(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.CreateCycle(context.Background(), "u1", nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCreateCycle_SecondOpenCycleConflicts(t *testing.T) {
	env := newTestEnv(t)
	first := env.createCycle(t, opportunities())

	_, err := env.manager.CreateCycle(context.Background(), "u1", nil, opportunities())

	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.OpenCycleID)
	assert.Equal(t, domain.CycleStatusPending, conflict.OpenCycleStat)

	// another user is unaffected
	_, err = env.manager.CreateCycle(context.Background(), "u2", nil, opportunities())
	assert.NoError(t, err)
}

func TestCreateCycle_ConcurrentCallsCreateOneCycle(t *testing.T) {
	env := newTestEnv(t)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.manager.CreateCycle(context.Background(), "u1", nil, opportunities())
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		var conflict *domain.ConflictError
		switch {
		case err == nil:
			created++
		case errors.As(err, &conflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, created)
}

func TestEnableRotation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	cycle := env.createCycle(t, opportunities())

	// trades of a pending cycle may not advance
	trades, err := env.manager.Trades(ctx, cycle.ID)
	require.NoError(t, err)
	_, err = env.manager.ExecuteRotation(ctx, cycle.ID)
	var invalid *domain.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "pending", invalid.Current)

	active, err := env.manager.EnableRotation(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusActive, active.Status)

	_, err = env.manager.EnableRotation(ctx, cycle.ID)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "active", invalid.Current)

	unchanged, err := env.trades.Get(ctx, trades[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusPending, unchanged.Status)
}

func TestExecuteRotation_HappyPath(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	cycle := env.activeCycle(t, opportunities())

	result, err := env.manager.ExecuteRotation(ctx, cycle.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.CycleStatusCompleted, result.Cycle.Status)
	require.NotNil(t, result.Cycle.CompletedAt)
	require.Len(t, result.Outcomes, 2)

	actual := decimal.Zero
	for _, outcome := range result.Outcomes {
		assert.Empty(t, outcome.Error)
		assert.Equal(t, domain.TradeStatusExecuted, outcome.Trade.Status)
		require.True(t, outcome.Trade.ActualValue.Valid)
		actual = actual.Add(outcome.Trade.ActualValue.Decimal)
	}
	assert.Equal(t, "AAPL", result.Outcomes[0].Trade.Symbol)
	assert.True(t, actual.Equal(result.Cycle.TotalValue), "total %s, actual %s", result.Cycle.TotalValue, actual)
	assert.Equal(t, int64(25), env.broker.Position("u1", "AAPL"))
	assert.Equal(t, int64(2), env.broker.Position("u1", "MSFT"))

	history, err := env.manager.History(ctx, "u1", domain.PageParams{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, cycle.ID, history[0].ID)
	assert.Equal(t, domain.CycleStatusCompleted, history[0].Status)

	active, err := env.manager.ListActive(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, active)

	// a settled cycle frees the user for the next one
	_, err = env.manager.CreateCycle(ctx, "u1", nil, opportunities())
	assert.NoError(t, err)
}

func TestExecuteRotation_ThreeTimeoutsFailTheCycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	cycle := env.activeCycle(t, opportunities()[:1])

	timeout := paper.Fault{Err: domain.NewTransientError(domain.TransientTimeout, errors.New("gateway timed out"))}
	env.broker.FailNext("AAPL", timeout, timeout, timeout)

	result, err := env.manager.ExecuteRotation(ctx, cycle.ID)
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 1)
	trade := result.Outcomes[0].Trade
	assert.Equal(t, domain.TradeStatusFailed, trade.Status)
	assert.Equal(t, domain.ReasonExecutionTimeout, trade.FailureReason)
	assert.False(t, trade.ActualValue.Valid)

	assert.Equal(t, domain.CycleStatusFailed, result.Cycle.Status)
	assert.True(t, result.Cycle.TotalValue.IsZero())
	assert.Equal(t, int64(30), env.broker.Position("u1", "AAPL"))
}

func TestExecuteRotation_PartialFailureStillCompletes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	opps := opportunities()
	opps[1].EstimatedTradeValue = decimal.NewFromInt(100) // rounds to zero shares
	cycle := env.activeCycle(t, opps)

	result, err := env.manager.ExecuteRotation(ctx, cycle.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.TradeStatusExecuted, result.Outcomes[0].Trade.Status)
	assert.Equal(t, domain.TradeStatusFailed, result.Outcomes[1].Trade.Status)
	assert.Equal(t, domain.ReasonInvalidQuantity, result.Outcomes[1].Trade.FailureReason)
	assert.NotEmpty(t, result.Outcomes[1].Error)

	assert.Equal(t, domain.CycleStatusCompleted, result.Cycle.Status)
	assert.True(t, result.Outcomes[0].Trade.ActualValue.Decimal.Equal(result.Cycle.TotalValue))
}

func TestCancelCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing in flight cancels at once", func(t *testing.T) {
		env := newTestEnv(t)
		cycle := env.activeCycle(t, opportunities())

		cancelled, err := env.manager.CancelCycle(ctx, cycle.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CycleStatusCancelled, cancelled.Status)
		assert.NotNil(t, cancelled.CompletedAt)
		assert.True(t, cancelled.TotalValue.IsZero())

		trades, err := env.manager.Trades(ctx, cycle.ID)
		require.NoError(t, err)
		for _, trade := range trades {
			assert.Equal(t, domain.TradeStatusCancelled, trade.Status)
		}

		_, err = env.manager.CancelCycle(ctx, cycle.ID)
		var invalid *domain.InvalidStateError
		assert.ErrorAs(t, err, &invalid)
	})

	t.Run("pending cycle cannot be cancelled", func(t *testing.T) {
		env := newTestEnv(t)
		cycle := env.createCycle(t, opportunities())

		_, err := env.manager.CancelCycle(ctx, cycle.ID)
		var invalid *domain.InvalidStateError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "pending", invalid.Current)
	})

	t.Run("in-flight trade settles the cycle later", func(t *testing.T) {
		env := newTestEnv(t)
		cycle := env.activeCycle(t, opportunities())
		trades, err := env.manager.Trades(ctx, cycle.ID)
		require.NoError(t, err)

		inFlight := trades[0]
		require.NoError(t, env.trades.MarkValidated(ctx, inFlight.ID, decimal.NewFromInt(200)))
		require.NoError(t, env.trades.MarkPrepared(ctx, inFlight.ID, decimal.NewFromInt(200), decimal.NewFromInt(1000)))
		require.NoError(t, env.trades.MarkExecuting(ctx, inFlight.ID, time.Now()))

		cancelling, err := env.manager.CancelCycle(ctx, cycle.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CycleStatusActive, cancelling.Status)
		assert.True(t, cancelling.CancelRequested)
		assert.Equal(t, "cancelling", cancelling.DisplayStatus())
		assert.True(t, decimal.NewFromInt(1000).Equal(cancelling.TotalValue))

		sibling, err := env.trades.Get(ctx, trades[1].ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TradeStatusCancelled, sibling.Status)

		// no further trade may start while cancelling
		assert.Error(t, env.manager.EnsureExecutable(ctx, cycle.ID))

		require.NoError(t, env.trades.MarkExecuted(ctx, inFlight.ID, decimal.NewFromInt(990), time.Now()))
		require.NoError(t, env.manager.SettleLocked(ctx, cycle.ID))

		settled, err := env.manager.Get(ctx, cycle.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CycleStatusCompleted, settled.Status)
		assert.True(t, decimal.NewFromInt(990).Equal(settled.TotalValue))
	})
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	cycle := env.createCycle(t, opportunities())

	_, err := env.manager.SetStatus(ctx, cycle.ID, domain.CycleStatusCompleted)
	var transition *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, "pending", transition.From)
	assert.Equal(t, "completed", transition.To)

	_, err = env.manager.SetStatus(ctx, cycle.ID, domain.CycleStatus("paused"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	active, err := env.manager.SetStatus(ctx, cycle.ID, domain.CycleStatusActive)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusActive, active.Status)

	failed, err := env.manager.SetStatus(ctx, cycle.ID, domain.CycleStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusFailed, failed.Status)
	assert.NotNil(t, failed.CompletedAt)
	assert.True(t, failed.TotalValue.IsZero())

	trades, err := env.manager.Trades(ctx, cycle.ID)
	require.NoError(t, err)
	for _, trade := range trades {
		assert.Equal(t, domain.TradeStatusCancelled, trade.Status)
	}

	_, err = env.manager.SetStatus(ctx, cycle.ID, domain.CycleStatusActive)
	assert.ErrorAs(t, err, &transition)
}

func TestSetStatus_CancelledDelegatesToCancel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	cycle := env.activeCycle(t, opportunities())

	cancelled, err := env.manager.SetStatus(ctx, cycle.ID, domain.CycleStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusCancelled, cancelled.Status)

	trades, err := env.manager.Trades(ctx, cycle.ID)
	require.NoError(t, err)
	for _, trade := range trades {
		assert.Equal(t, domain.TradeStatusCancelled, trade.Status)
	}
}

func TestSettleOrphans(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	cycle := env.activeCycle(t, opportunities())

	// trades finished without the cycle following
	trades, err := env.manager.Trades(ctx, cycle.ID)
	require.NoError(t, err)
	for _, trade := range trades {
		require.NoError(t, env.trades.MarkFailed(ctx, trade.ID, domain.TradeStatusPending, domain.ReasonMarketClosed))
	}

	settled, err := env.manager.SettleOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	current, err := env.manager.Get(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusFailed, current.Status)
}

func TestSettleOrphans_ActiveCycleWithExecutedTrade(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	cycle := env.activeCycle(t, opportunities())

	// one trade executed and one failed while the cycle stayed active
	trades, err := env.manager.Trades(ctx, cycle.ID)
	require.NoError(t, err)
	executed := trades[0]
	require.NoError(t, env.trades.MarkValidated(ctx, executed.ID, decimal.NewFromInt(200)))
	require.NoError(t, env.trades.MarkPrepared(ctx, executed.ID, decimal.NewFromInt(200), decimal.NewFromInt(1000)))
	require.NoError(t, env.trades.MarkExecuting(ctx, executed.ID, time.Now()))
	require.NoError(t, env.trades.MarkExecuted(ctx, executed.ID, decimal.NewFromInt(1000), time.Now()))
	require.NoError(t, env.trades.MarkFailed(ctx, trades[1].ID, domain.TradeStatusPending, domain.ReasonMarketClosed))

	settled, err := env.manager.SettleOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	current, err := env.manager.Get(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusCompleted, current.Status)
	assert.NotNil(t, current.CompletedAt)
	assert.True(t, decimal.NewFromInt(1000).Equal(current.TotalValue))

	settled, err = env.manager.SettleOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled)

	_, err = env.manager.CreateCycle(ctx, "u1", nil, opportunities())
	assert.NoError(t, err, "a settled cycle no longer blocks new cycles")
}

func TestCancelCycle_DuringSlowExecution(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	cycle := env.activeCycle(t, opportunities()[:1])
	trades, err := env.manager.Trades(ctx, cycle.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	env.broker.FailNext("AAPL", paper.Fault{Delay: 300 * time.Millisecond})

	done := make(chan *RotationResult, 1)
	go func() {
		result, err := env.manager.ExecuteRotation(ctx, cycle.ID)
		assert.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool {
		trade, err := env.trades.Get(ctx, trades[0].ID)
		return err == nil && trade.Status == domain.TradeStatusExecuting
	}, 2*time.Second, 5*time.Millisecond)

	cancelling, err := env.manager.CancelCycle(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusExecuting, cancelling.Status)
	assert.Equal(t, "cancelling", cancelling.DisplayStatus())

	var result *RotationResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("rotation did not finish")
	}
	require.NotNil(t, result)
	assert.Equal(t, domain.CycleStatusCompleted, result.Cycle.Status)
	assert.Equal(t, domain.TradeStatusExecuted, result.Outcomes[0].Trade.Status)

	_, err = env.manager.CreateCycle(ctx, "u1", nil, opportunities())
	assert.NoError(t, err)
}

func TestBackfillLedger(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	cycle := env.activeCycle(t, opportunities())

	env.ledger.setError(errors.New("ledger unavailable"))
	_, err := env.manager.CancelCycle(ctx, cycle.ID)
	require.NoError(t, err)

	history, err := env.manager.History(ctx, "u1", domain.PageParams{})
	require.NoError(t, err)
	assert.Empty(t, history)

	env.ledger.setError(nil)
	recorded, err := env.manager.BackfillLedger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recorded)

	history, err = env.manager.History(ctx, "u1", domain.PageParams{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.CycleStatusCancelled, history[0].Status)

	recorded, err = env.manager.BackfillLedger(ctx)
	require.NoError(t, err)
	assert.Zero(t, recorded)
}

func TestGet_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.manager.Trades(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
