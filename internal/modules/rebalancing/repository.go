// Package rebalancing manages rotation cycles: creation from detected
// opportunities, activation, concurrent execution, cancellation and
// settlement from the state of their trades.
package rebalancing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/rotation/internal/database"
	"github.com/aristath/rotation/internal/domain"
	"github.com/aristath/rotation/internal/modules/trading"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Repository handles rotation cycle database operations
// Database: rotation.db (rebalancing_events table)
type Repository struct {
	db     *sql.DB
	trades *trading.Repository
	log    zerolog.Logger
}

const cycleColumns = `id, user_id, config_id, trades_count, total_value, max_drift, status,
	cancel_requested, created_at, completed_at`

const openStatuses = `('pending', 'active', 'executing')`

// NewRepository creates a new cycle repository
func NewRepository(db *sql.DB, trades *trading.Repository, log zerolog.Logger) *Repository {
	return &Repository{
		db:     db,
		trades: trades,
		log:    log.With().Str("repo", "cycles").Logger(),
	}
}

// CreateWithTrades stores a cycle and its trades in one transaction.
// A second open cycle for the user violates the open-cycle index and is
// reported as *domain.ConflictError.
func (r *Repository) CreateWithTrades(ctx context.Context, cycle *domain.RotationCycle, trades []domain.RotationTrade) error {
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var configID sql.NullString
		if cycle.ConfigID != nil {
			configID = sql.NullString{String: *cycle.ConfigID, Valid: true}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO rebalancing_events (`+cycleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			cycle.ID,
			cycle.UserID,
			configID,
			cycle.TradesCount,
			cycle.TotalValue,
			cycle.MaxDrift,
			string(cycle.Status),
			boolToInt(cycle.CancelRequested),
			database.ToMillis(cycle.CreatedAt),
			database.NullMillis(cycle.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert cycle %s: %w", cycle.ID, err)
		}

		for i := range trades {
			if err := r.trades.InsertTx(ctx, tx, &trades[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && strings.Contains(err.Error(), "rebalancing_events.user_id") {
		conflict := &domain.ConflictError{UserID: cycle.UserID}
		if open, findErr := r.FindOpen(ctx, cycle.UserID); findErr == nil && open != nil {
			conflict.OpenCycleID = open.ID
			conflict.OpenCycleStat = open.Status
		}
		return conflict
	}
	return err
}

// Get retrieves a cycle by id. Returns an error wrapping domain.ErrNotFound
// when the cycle does not exist.
func (r *Repository) Get(ctx context.Context, id string) (*domain.RotationCycle, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+cycleColumns+" FROM rebalancing_events WHERE id = ?", id)
	cycle, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cycle %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle %s: %w", id, err)
	}
	return cycle, nil
}

// FindOpen returns the user's non-terminal cycle, or nil if there is none.
func (r *Repository) FindOpen(ctx context.Context, userID string) (*domain.RotationCycle, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+cycleColumns+` FROM rebalancing_events
		WHERE user_id = ? AND status IN `+openStatuses+`
		LIMIT 1
	`, userID)
	cycle, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open cycle for user %s: %w", userID, err)
	}
	return cycle, nil
}

// ListOpenByUser returns the user's non-terminal cycles
func (r *Repository) ListOpenByUser(ctx context.Context, userID string) ([]domain.RotationCycle, error) {
	return r.query(ctx, `
		SELECT `+cycleColumns+` FROM rebalancing_events
		WHERE user_id = ? AND status IN `+openStatuses+`
		ORDER BY created_at DESC
	`, userID)
}

// ListStarted returns every active or executing cycle
func (r *Repository) ListStarted(ctx context.Context) ([]domain.RotationCycle, error) {
	return r.query(ctx, `
		SELECT `+cycleColumns+` FROM rebalancing_events
		WHERE status IN ('active', 'executing')
		ORDER BY created_at
	`)
}

// LastCreatedAt returns when the user's most recent cycle was created, or nil
// if the user never had one.
func (r *Repository) LastCreatedAt(ctx context.Context, userID string) (*time.Time, error) {
	var ms sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		"SELECT MAX(created_at) FROM rebalancing_events WHERE user_id = ?", userID).Scan(&ms)
	if err != nil {
		return nil, fmt.Errorf("failed to get last cycle time for user %s: %w", userID, err)
	}
	return database.FromNullMillis(ms), nil
}

// ListUnarchivedTerminal returns terminal cycles not yet copied to the ledger
func (r *Repository) ListUnarchivedTerminal(ctx context.Context, limit int) ([]domain.RotationCycle, error) {
	return r.query(ctx, `
		SELECT `+cycleColumns+` FROM rebalancing_events
		WHERE archived = 0 AND status IN ('completed', 'cancelled', 'failed')
		ORDER BY created_at
		LIMIT ?
	`, limit)
}

// MarkArchived flags a terminal cycle as recorded in the ledger
func (r *Repository) MarkArchived(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE rebalancing_events SET archived = 1
		WHERE id = ? AND status IN ('completed', 'cancelled', 'failed')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark cycle %s archived: %w", id, err)
	}
	return nil
}

// UpdateStatus applies a compare-and-swap status change. completedAt is
// stamped when the target status is terminal.
func (r *Repository) UpdateStatus(
	ctx context.Context,
	id string,
	from, to domain.CycleStatus,
	completedAt time.Time,
) error {
	if !from.CanTransitionTo(to) {
		return &domain.InvalidTransitionError{Entity: "cycle", ID: id, From: string(from), To: string(to)}
	}

	var stamp sql.NullInt64
	if to.IsTerminal() {
		stamp = sql.NullInt64{Int64: database.ToMillis(completedAt), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE rebalancing_events SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, string(to), stamp, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update cycle %s to %s: %w", id, to, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for cycle %s: %w", id, err)
	}
	if affected == 1 {
		r.log.Debug().Str("cycle_id", id).Str("from", string(from)).Str("to", string(to)).Msg("Cycle status updated")
		return nil
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return &domain.InvalidTransitionError{Entity: "cycle", ID: id, From: string(current.Status), To: string(to)}
}

// UpdateAggregates stores the derived trade count and total value
func (r *Repository) UpdateAggregates(ctx context.Context, id string, tradesCount int, totalValue decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE rebalancing_events SET trades_count = ?, total_value = ?
		WHERE id = ?
	`, tradesCount, totalValue, id)
	if err != nil {
		return fmt.Errorf("failed to update aggregates of cycle %s: %w", id, err)
	}
	return nil
}

// SetCancelRequested flags a non-terminal cycle as cancelling
func (r *Repository) SetCancelRequested(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE rebalancing_events SET cancel_requested = 1
		WHERE id = ? AND status IN `+openStatuses, id)
	if err != nil {
		return fmt.Errorf("failed to flag cycle %s as cancelling: %w", id, err)
	}
	return nil
}

func (r *Repository) query(ctx context.Context, query string, args ...interface{}) ([]domain.RotationCycle, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	cycles := make([]domain.RotationCycle, 0)
	for rows.Next() {
		cycle, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		cycles = append(cycles, *cycle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycles: %w", err)
	}
	return cycles, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCycle(row rowScanner) (*domain.RotationCycle, error) {
	var (
		cycle           domain.RotationCycle
		configID        sql.NullString
		status          string
		cancelRequested int
		createdAtMs     int64
		completedAt     sql.NullInt64
	)
	err := row.Scan(
		&cycle.ID,
		&cycle.UserID,
		&configID,
		&cycle.TradesCount,
		&cycle.TotalValue,
		&cycle.MaxDrift,
		&status,
		&cancelRequested,
		&createdAtMs,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if configID.Valid {
		id := configID.String
		cycle.ConfigID = &id
	}
	cycle.Status = domain.CycleStatus(status)
	cycle.CancelRequested = cancelRequested != 0
	cycle.CreatedAt = database.FromMillis(createdAtMs)
	cycle.CompletedAt = database.FromNullMillis(completedAt)
	return &cycle, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
