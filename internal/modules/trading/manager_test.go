package trading

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/rotation/internal/clients/paper"
	"github.com/aristath/rotation/internal/database"
	"github.com/aristath/rotation/internal/domain"
	"github.com/aristath/rotation/internal/locking"
	"github.com/aristath/rotation/internal/reliability"
	testingpkg "github.com/aristath/rotation/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	mu     sync.Mutex
	trades map[string]domain.RotationTrade
	err    error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{trades: make(map[string]domain.RotationTrade)}
}

func (l *fakeLedger) RecordTrade(_ context.Context, trade *domain.RotationTrade) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if _, ok := l.trades[trade.ID]; !ok {
		l.trades[trade.ID] = *trade
	}
	return nil
}

func (l *fakeLedger) ListTrades(_ context.Context, userID string, _ domain.PageParams) ([]domain.RotationTrade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var result []domain.RotationTrade
	for _, trade := range l.trades {
		if trade.UserID == userID {
			result = append(result, trade)
		}
	}
	return result, nil
}

func (l *fakeLedger) recorded(id string) (domain.RotationTrade, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	trade, ok := l.trades[id]
	return trade, ok
}

type fakeCycles struct {
	mu        sync.Mutex
	blocked   error
	markErr   error
	executing []string
	settled   []string
}

func (c *fakeCycles) EnsureExecutable(_ context.Context, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

func (c *fakeCycles) MarkExecuting(_ context.Context, cycleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.markErr != nil {
		return c.markErr
	}
	c.executing = append(c.executing, cycleID)
	return nil
}

func (c *fakeCycles) SettleLocked(_ context.Context, cycleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settled = append(c.settled, cycleID)
	return nil
}

// switchableQuotes fails every quote with err while it is set.
type switchableQuotes struct {
	mu   sync.Mutex
	next domain.QuoteSource
	err  error
}

func (q *switchableQuotes) setError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func (q *switchableQuotes) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	q.mu.Lock()
	err := q.err
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return q.next.GetQuote(ctx, symbol)
}

type testEnv struct {
	manager *Manager
	repo    *Repository
	broker  *paper.Broker
	quotes  *switchableQuotes
	hours   *testingpkg.MockMarketHours
	ledger  *fakeLedger
	cycles  *fakeCycles
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	db := testingpkg.NewMemoryDB(t, database.NameRotation)
	repo := NewRepository(db, log)

	broker := paper.NewBroker(log)
	broker.SetQuote("AAPL", "NASDAQ", decimal.NewFromInt(200))
	broker.SetQuote("MSFT", "NASDAQ", decimal.NewFromInt(400))
	broker.SetCash("u1", decimal.NewFromInt(5000))
	broker.SetPosition("u1", "AAPL", 30)

	quotes := &switchableQuotes{next: broker}
	hours := testingpkg.NewMockMarketHours()
	ledger := newFakeLedger()
	cycles := &fakeCycles{}

	policy := Policy{
		Submit: reliability.RetryPolicy{MaxAttempts: 3},
		Quote:  reliability.RetryPolicy{MaxAttempts: 2},
	}
	manager := NewManager(repo, quotes, broker, broker, hours, locking.NewKeyedMutex(), ledger, nil, policy, log)
	manager.SetCycleCoordinator(cycles)

	return &testEnv{
		manager: manager,
		repo:    repo,
		broker:  broker,
		quotes:  quotes,
		hours:   hours,
		ledger:  ledger,
		cycles:  cycles,
	}
}

func (e *testEnv) createTrade(t *testing.T, symbol string, action domain.TradeAction, quantity int64) *domain.RotationTrade {
	t.Helper()
	trade, err := e.manager.CreateStandalone(context.Background(), "u1", symbol, action, quantity)
	require.NoError(t, err)
	return trade
}

func (e *testEnv) createCycleTrade(t *testing.T, cycleID, symbol string, quantity int64) *domain.RotationTrade {
	t.Helper()
	trade := &domain.RotationTrade{
		ID:        symbol + "-" + cycleID,
		CycleID:   &cycleID,
		UserID:    "u1",
		Symbol:    symbol,
		Action:    domain.TradeActionBuy,
		Quantity:  quantity,
		Status:    domain.TradeStatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, e.repo.Insert(context.Background(), trade))
	return trade
}

func TestCreateStandalone(t *testing.T) {
	env := newTestEnv(t)

	trade := env.createTrade(t, " aapl ", domain.TradeActionBuy, 5)

	assert.Equal(t, "AAPL", trade.Symbol)
	assert.Equal(t, domain.TradeStatusPending, trade.Status)
	assert.True(t, trade.IsStandalone())
	assert.False(t, trade.ActualValue.Valid)

	_, err := env.manager.CreateStandalone(context.Background(), "u1", "AAPL", domain.TradeAction("HOLD"), 1)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = env.manager.CreateStandalone(context.Background(), "u1", "", domain.TradeActionBuy, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTradeLifecycle_HappyPath(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	trade := env.createTrade(t, "AAPL", domain.TradeActionBuy, 5)

	validated, err := env.manager.Validate(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusValidated, validated.Status)
	assert.True(t, validated.Price.Equal(decimal.NewFromInt(200)))

	prepared, err := env.manager.Prepare(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusPrepared, prepared.Status)
	assert.True(t, prepared.EstimatedValue.Equal(decimal.NewFromInt(1000)))
	assert.False(t, prepared.ActualValue.Valid)

	executed, err := env.manager.Execute(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusExecuted, executed.Status)
	require.True(t, executed.ActualValue.Valid)
	assert.True(t, executed.ActualValue.Decimal.Equal(decimal.NewFromInt(1000)))
	assert.NotNil(t, executed.ExecutedAt)
	assert.NotNil(t, executed.ExecutionStartedAt)

	assert.Equal(t, int64(35), env.broker.Position("u1", "AAPL"))

	recorded, ok := env.ledger.recorded(trade.ID)
	require.True(t, ok)
	assert.Equal(t, domain.TradeStatusExecuted, recorded.Status)

	unarchived, err := env.repo.ListUnarchivedTerminal(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unarchived)
}

func TestExecute_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	trade := env.createTrade(t, "AAPL", domain.TradeActionBuy, 5)

	_, err := env.manager.Validate(ctx, trade.ID)
	require.NoError(t, err)
	_, err = env.manager.Prepare(ctx, trade.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*domain.RotationTrade, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.manager.Execute(ctx, trade.ID)
		}(i)
	}
	wg.Wait()

	again, err := env.manager.Execute(ctx, trade.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, domain.TradeStatusExecuted, results[i].Status)
		assert.True(t, results[i].ActualValue.Decimal.Equal(again.ActualValue.Decimal))
	}
	assert.Equal(t, 1, env.broker.Submissions(trade.ID))
	assert.Equal(t, 1, env.broker.FilledOrders())
}

func TestExecute_RequiresPrepared(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	trade := env.createTrade(t, "AAPL", domain.TradeActionBuy, 5)

	_, err := env.manager.Execute(ctx, trade.ID)

	var transition *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, "pending", transition.From)
	assert.Equal(t, 0, env.broker.Submissions(trade.ID))
}

func TestExecute_ThreeTimeoutsFailWithExecutionTimeout(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	trade := env.createTrade(t, "AAPL", domain.TradeActionBuy, 5)

	_, err := env.manager.Validate(ctx, trade.ID)
	require.NoError(t, err)
	_, err = env.manager.Prepare(ctx, trade.ID)
	require.NoError(t, err)

	timeout := paper.Fault{Err: domain.NewTransientError(domain.TransientTimeout, errors.New("gateway timed out"))}
	env.broker.FailNext("AAPL", timeout, timeout, timeout)

	result, err := env.manager.Execute(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusFailed, result.Status)
	assert.Equal(t, domain.ReasonExecutionTimeout, result.FailureReason)
	assert.False(t, result.ActualValue.Valid)
	assert.Equal(t, 3, env.broker.Submissions(trade.ID))
}

func TestExecute_RateLimitAndRejection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	limited := env.createTrade(t, "AAPL", domain.TradeActionBuy, 1)
	rejected := env.createTrade(t, "MSFT", domain.TradeActionBuy, 1)
	for _, id := range []string{limited.ID, rejected.ID} {
		_, err := env.manager.Validate(ctx, id)
		require.NoError(t, err)
		_, err = env.manager.Prepare(ctx, id)
		require.NoError(t, err)
	}

	rateLimit := paper.Fault{Err: domain.NewTransientError(domain.TransientRateLimit, errors.New("429"))}
	env.broker.FailNext("AAPL", rateLimit, rateLimit, rateLimit)
	env.broker.FailNext("MSFT", paper.Fault{Reject: "halted"})

	result, err := env.manager.Execute(ctx, limited.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonRateLimited, result.FailureReason)

	result, err = env.manager.Execute(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusFailed, result.Status)
	assert.Equal(t, domain.ReasonOrderRejected, result.FailureReason)
}

func TestValidate_FailureReasons(t *testing.T) {
	tests := []struct {
		name     string
		symbol   string
		action   domain.TradeAction
		quantity int64
		setup    func(env *testEnv)
		reason   domain.FailureReason
	}{
		{name: "non-positive quantity", symbol: "AAPL", action: domain.TradeActionBuy, quantity: 0, reason: domain.ReasonInvalidQuantity},
		{name: "unknown symbol", symbol: "NOPE", action: domain.TradeActionBuy, quantity: 1, reason: domain.ReasonUnknownSymbol},
		{
			name: "market closed", symbol: "AAPL", action: domain.TradeActionBuy, quantity: 1,
			setup:  func(env *testEnv) { env.hours.SetClosed("NASDAQ", true) },
			reason: domain.ReasonMarketClosed,
		},
		{name: "buy exceeds cash", symbol: "AAPL", action: domain.TradeActionBuy, quantity: 100, reason: domain.ReasonInsufficientFunds},
		{name: "sell exceeds holding", symbol: "AAPL", action: domain.TradeActionSell, quantity: 31, reason: domain.ReasonInsufficientFunds},
		{name: "sell unheld symbol", symbol: "MSFT", action: domain.TradeActionSell, quantity: 1, reason: domain.ReasonInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			trade := env.createTrade(t, tt.symbol, tt.action, tt.quantity)

			result, err := env.manager.Validate(context.Background(), trade.ID)

			var validation *domain.ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Equal(t, tt.reason, validation.Reason)
			require.NotNil(t, result)
			assert.Equal(t, domain.TradeStatusFailed, result.Status)
			assert.Equal(t, tt.reason, result.FailureReason)

			_, recorded := env.ledger.recorded(trade.ID)
			assert.True(t, recorded)
		})
	}
}

func TestValidate_QuoteOutageLeavesTradePending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	trade := env.createTrade(t, "AAPL", domain.TradeActionBuy, 1)

	env.quotes.setError(domain.NewTransientError(domain.TransientUnavailable, errors.New("feed down")))
	_, err := env.manager.Validate(ctx, trade.ID)

	var stale *domain.StalePriceError
	require.ErrorAs(t, err, &stale)
	current, err := env.repo.Get(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusPending, current.Status)
}

func TestPrepare_StalePriceKeepsTradeValidated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	trade := env.createTrade(t, "AAPL", domain.TradeActionBuy, 1)
	_, err := env.manager.Validate(ctx, trade.ID)
	require.NoError(t, err)

	env.quotes.setError(domain.NewTransientError(domain.TransientTimeout, errors.New("slow feed")))
	_, err = env.manager.Prepare(ctx, trade.ID)

	var stale *domain.StalePriceError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "AAPL", stale.Symbol)

	current, err := env.repo.Get(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusValidated, current.Status)

	env.quotes.setError(nil)
	prepared, err := env.manager.Prepare(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusPrepared, prepared.Status)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	t.Run("pending trade is cancelled once", func(t *testing.T) {
		trade := env.createTrade(t, "AAPL", domain.TradeActionBuy, 1)

		cancelled, err := env.manager.Cancel(ctx, trade.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TradeStatusCancelled, cancelled.Status)
		assert.False(t, cancelled.ActualValue.Valid)

		again, err := env.manager.Cancel(ctx, trade.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TradeStatusCancelled, again.Status)
	})

	t.Run("executing trade is too late", func(t *testing.T) {
		trade := env.createTrade(t, "AAPL", domain.TradeActionBuy, 1)
		_, err := env.manager.Validate(ctx, trade.ID)
		require.NoError(t, err)
		_, err = env.manager.Prepare(ctx, trade.ID)
		require.NoError(t, err)
		require.NoError(t, env.repo.MarkExecuting(ctx, trade.ID, time.Now()))

		_, err = env.manager.Cancel(ctx, trade.ID)

		var tooLate *domain.TooLateToCancelError
		require.ErrorAs(t, err, &tooLate)
		assert.Equal(t, domain.TradeStatusExecuting, tooLate.Status)
	})

	t.Run("executed trade is too late", func(t *testing.T) {
		trade := env.createTrade(t, "AAPL", domain.TradeActionBuy, 1)
		_, err := env.manager.Advance(ctx, trade.ID)
		require.NoError(t, err)

		_, err = env.manager.Cancel(ctx, trade.ID)

		var tooLate *domain.TooLateToCancelError
		assert.ErrorAs(t, err, &tooLate)
	})

	t.Run("missing trade", func(t *testing.T) {
		_, err := env.manager.Cancel(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestAdvance_RunsToExecuted(t *testing.T) {
	env := newTestEnv(t)
	trade := env.createTrade(t, "AAPL", domain.TradeActionSell, 10)

	result, err := env.manager.Advance(context.Background(), trade.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusExecuted, result.Status)
	assert.True(t, result.ActualValue.Decimal.Equal(decimal.NewFromInt(2000)))
	assert.Equal(t, int64(20), env.broker.Position("u1", "AAPL"))
}

func TestCycleTrades_ConsultCoordinator(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	t.Run("blocked cycle refuses to advance", func(t *testing.T) {
		trade := env.createCycleTrade(t, "c1", "AAPL", 1)
		env.cycles.blocked = &domain.InvalidStateError{Entity: "cycle", ID: "c1", Operation: "advance", Current: "pending"}
		defer func() { env.cycles.blocked = nil }()

		_, err := env.manager.Validate(ctx, trade.ID)

		var invalid *domain.InvalidStateError
		require.ErrorAs(t, err, &invalid)
		current, err := env.repo.Get(ctx, trade.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TradeStatusPending, current.Status)
	})

	t.Run("execution marks and settles the cycle", func(t *testing.T) {
		trade := env.createCycleTrade(t, "c2", "MSFT", 1)

		result, err := env.manager.Advance(ctx, trade.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TradeStatusExecuted, result.Status)

		assert.Equal(t, []string{"c2"}, env.cycles.executing)
		assert.Equal(t, []string{"c2"}, env.cycles.settled)
	})

	t.Run("cycle that cannot follow keeps the trade unsubmitted", func(t *testing.T) {
		trade := env.createCycleTrade(t, "c3", "AAPL", 1)
		_, err := env.manager.Validate(ctx, trade.ID)
		require.NoError(t, err)
		_, err = env.manager.Prepare(ctx, trade.ID)
		require.NoError(t, err)

		env.cycles.markErr = errors.New("database is locked")
		defer func() { env.cycles.markErr = nil }()
		filled := env.broker.FilledOrders()

		_, err = env.manager.Execute(ctx, trade.ID)
		require.Error(t, err)

		current, err := env.repo.Get(ctx, trade.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TradeStatusPrepared, current.Status)
		assert.Equal(t, filled, env.broker.FilledOrders())

		// Once the cycle can follow, the same trade executes
		env.cycles.markErr = nil
		result, err := env.manager.Execute(ctx, trade.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TradeStatusExecuted, result.Status)
	})
}

func TestCancelOpenLocked(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	pending := env.createCycleTrade(t, "c1", "AAPL", 1)
	executing := env.createCycleTrade(t, "c1", "MSFT", 1)
	_, err := env.manager.Validate(ctx, executing.ID)
	require.NoError(t, err)
	_, err = env.manager.Prepare(ctx, executing.ID)
	require.NoError(t, err)
	require.NoError(t, env.repo.MarkExecuting(ctx, executing.ID, time.Now()))

	cancelled, inFlight, err := env.manager.CancelOpenLocked(ctx, "c1")

	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 1, inFlight)
	current, err := env.repo.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusCancelled, current.Status)
}

func TestReapStale(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	trade := env.createCycleTrade(t, "c1", "AAPL", 1)
	_, err := env.manager.Validate(ctx, trade.ID)
	require.NoError(t, err)
	_, err = env.manager.Prepare(ctx, trade.ID)
	require.NoError(t, err)
	require.NoError(t, env.repo.MarkExecuting(ctx, trade.ID, time.Now().Add(-10*time.Minute)))

	reaped, err := env.manager.ReapStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	current, err := env.repo.Get(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusFailed, current.Status)
	assert.Equal(t, domain.ReasonExecutionTimeout, current.FailureReason)
	assert.Contains(t, env.cycles.settled, "c1")

	reaped, err = env.manager.ReapStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

func TestBackfillLedger(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.ledger.err = errors.New("ledger offline")

	trade := env.createTrade(t, "AAPL", domain.TradeActionBuy, 1)
	_, err := env.manager.Cancel(ctx, trade.ID)
	require.NoError(t, err)

	_, recorded := env.ledger.recorded(trade.ID)
	require.False(t, recorded)

	env.ledger.err = nil
	count, err := env.manager.BackfillLedger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, recorded = env.ledger.recorded(trade.ID)
	assert.True(t, recorded)

	count, err = env.manager.BackfillLedger(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPendingAndHistory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	open := env.createTrade(t, "AAPL", domain.TradeActionBuy, 1)
	done := env.createTrade(t, "MSFT", domain.TradeActionBuy, 1)
	_, err := env.manager.Cancel(ctx, done.ID)
	require.NoError(t, err)

	pending, err := env.manager.Pending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, open.ID, pending[0].ID)

	history, err := env.manager.History(ctx, "u1", domain.PageParams{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, done.ID, history[0].ID)
}
