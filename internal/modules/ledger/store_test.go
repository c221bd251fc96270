package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/rotation/internal/database"
	"github.com/aristath/rotation/internal/domain"
	testingpkg "github.com/aristath/rotation/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := testingpkg.NewMemoryDB(t, database.NameLedger)
	return NewStore(db, zerolog.Nop())
}

func executedTrade(id string, createdAt time.Time) *domain.RotationTrade {
	cycleID := "c1"
	executedAt := createdAt.Add(time.Minute)
	return &domain.RotationTrade{
		ID:             id,
		CycleID:        &cycleID,
		UserID:         "u1",
		Symbol:         "AAPL",
		Action:         domain.TradeActionBuy,
		Quantity:       5,
		Price:          decimal.NewFromInt(200),
		EstimatedValue: decimal.NewFromInt(1000),
		ActualValue:    decimal.NewNullDecimal(decimal.RequireFromString("1001.25")),
		Status:         domain.TradeStatusExecuted,
		ExecutedAt:     &executedAt,
		CreatedAt:      createdAt,
	}
}

func completedCycle(id string, createdAt time.Time) *domain.RotationCycle {
	completedAt := createdAt.Add(time.Hour)
	return &domain.RotationCycle{
		ID:          id,
		UserID:      "u1",
		Status:      domain.CycleStatusCompleted,
		TotalValue:  decimal.RequireFromString("2500.50"),
		TradesCount: 2,
		MaxDrift:    15,
		CreatedAt:   createdAt,
		CompletedAt: &completedAt,
	}
}

func TestRecordTrade_RoundTripsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createdAt := time.UnixMilli(1700000000123).UTC()
	trade := executedTrade("t1", createdAt)

	require.NoError(t, store.RecordTrade(ctx, trade))

	entry, err := store.Effective(ctx, KindTrade, "t1")
	require.NoError(t, err)
	assert.Equal(t, KindTrade, entry.Kind)
	assert.Equal(t, "executed", entry.Status)
	assert.True(t, entry.Value.Equal(decimal.RequireFromString("1001.25")))
	assert.Nil(t, entry.CorrectsEntryID)
	require.NotNil(t, entry.Trade)
	assert.Equal(t, "c1", *entry.Trade.CycleID)
	assert.Equal(t, createdAt, entry.Trade.CreatedAt)
	assert.True(t, entry.Trade.ActualValue.Decimal.Equal(trade.ActualValue.Decimal))
	require.NotNil(t, entry.Trade.ExecutedAt)
	assert.Equal(t, trade.ExecutedAt.UnixMilli(), entry.Trade.ExecutedAt.UnixMilli())
}

func TestRecordTrade_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	trade := executedTrade("t1", time.Now())

	require.NoError(t, store.RecordTrade(ctx, trade))
	require.NoError(t, store.RecordTrade(ctx, trade))

	trades, err := store.ListTrades(ctx, "u1", domain.PageParams{})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestRecord_RejectsNonTerminal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	trade := executedTrade("t1", time.Now())
	trade.Status = domain.TradeStatusExecuting
	trade.ActualValue = decimal.NullDecimal{}

	var invalid *domain.InvalidStateError
	assert.ErrorAs(t, store.RecordTrade(ctx, trade), &invalid)

	cycle := completedCycle("c1", time.Now())
	cycle.Status = domain.CycleStatusActive
	assert.ErrorAs(t, store.RecordCycle(ctx, cycle), &invalid)
}

func TestCorrect_AppendsAndBecomesEffective(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.RecordTrade(ctx, executedTrade("t1", time.Now())))

	original, err := store.Effective(ctx, KindTrade, "t1")
	require.NoError(t, err)

	value := decimal.RequireFromString("999.75")
	corrected, err := store.Correct(ctx, original.EntryID, Correction{Value: &value, Note: "broker fill adjusted"})
	require.NoError(t, err)
	require.NotNil(t, corrected.CorrectsEntryID)
	assert.Equal(t, original.EntryID, *corrected.CorrectsEntryID)
	assert.Equal(t, "broker fill adjusted", corrected.Note)
	assert.True(t, corrected.Value.Equal(value))

	effective, err := store.Effective(ctx, KindTrade, "t1")
	require.NoError(t, err)
	assert.Equal(t, corrected.EntryID, effective.EntryID)

	// the original stays readable and unchanged
	again, err := store.Get(ctx, original.EntryID)
	require.NoError(t, err)
	assert.True(t, again.Value.Equal(decimal.RequireFromString("1001.25")))

	trades, err := store.ListTrades(ctx, "u1", domain.PageParams{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].ActualValue.Decimal.Equal(value))
}

func TestCorrect_SupersededEntryIsRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.RecordCycle(ctx, completedCycle("c1", time.Now())))

	original, err := store.Effective(ctx, KindCycle, "c1")
	require.NoError(t, err)

	failed := "failed"
	_, err = store.Correct(ctx, original.EntryID, Correction{Status: &failed, Note: "no fills"})
	require.NoError(t, err)

	_, err = store.Correct(ctx, original.EntryID, Correction{Status: &failed, Note: "again"})
	var invalid *domain.InvalidStateError
	assert.ErrorAs(t, err, &invalid)
}

func TestCorrect_Validation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.RecordTrade(ctx, executedTrade("t1", time.Now())))
	entry, err := store.Effective(ctx, KindTrade, "t1")
	require.NoError(t, err)

	executing := "executing"
	cancelled := "cancelled"
	value := decimal.NewFromInt(1)

	tests := []struct {
		name       string
		correction Correction
	}{
		{name: "missing note", correction: Correction{}},
		{name: "non-terminal status", correction: Correction{Status: &executing, Note: "x"}},
		{name: "value on cancelled trade", correction: Correction{Status: &cancelled, Value: &value, Note: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Correct(ctx, entry.EntryID, tt.correction)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}

	_, err = store.Correct(ctx, "missing", Correction{Note: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCorrect_CancellingTradeClearsValue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.RecordTrade(ctx, executedTrade("t1", time.Now())))
	entry, err := store.Effective(ctx, KindTrade, "t1")
	require.NoError(t, err)

	cancelled := "cancelled"
	corrected, err := store.Correct(ctx, entry.EntryID, Correction{Status: &cancelled, Note: "order never reached the venue"})
	require.NoError(t, err)

	assert.Equal(t, domain.TradeStatusCancelled, corrected.Trade.Status)
	assert.False(t, corrected.Trade.ActualValue.Valid)
	assert.True(t, corrected.Value.Equal(decimal.NewFromInt(1000)))
}

func TestListCycles_NewestFirstWithPaging(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, store.RecordCycle(ctx, completedCycle(id, base.Add(time.Duration(i)*time.Minute))))
	}

	cycles, err := store.ListCycles(ctx, "u1", domain.PageParams{Limit: 2})
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, "c3", cycles[0].ID)
	assert.Equal(t, "c2", cycles[1].ID)
	assert.True(t, cycles[0].TotalValue.Equal(decimal.RequireFromString("2500.50")))

	cycles, err = store.ListCycles(ctx, "u1", domain.PageParams{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, "c1", cycles[0].ID)

	cycles, err = store.ListCycles(ctx, "someone-else", domain.PageParams{})
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func TestLedgerRowsAreImmutable(t *testing.T) {
	ctx := context.Background()
	db := testingpkg.NewMemoryDB(t, database.NameLedger)
	store := NewStore(db, zerolog.Nop())
	require.NoError(t, store.RecordTrade(ctx, executedTrade("t1", time.Now())))

	_, err := db.ExecContext(ctx, "UPDATE rotation_history SET status = 'failed'")
	assert.Error(t, err)

	_, err = db.ExecContext(ctx, "DELETE FROM rotation_history")
	assert.Error(t, err)
}
