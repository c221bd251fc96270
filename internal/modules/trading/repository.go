package trading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/rotation/internal/database"
	"github.com/aristath/rotation/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Repository handles rotation trade database operations
// Database: rotation.db (rebalancing_trades table)
//
// Every status change is a compare-and-swap on the current status, so a lost
// race is reported instead of overwriting the winner.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// tradeColumns is the list of columns for the rebalancing_trades table
// Column order must match scanTrade()
const tradeColumns = `id, rebalancing_id, user_id, symbol, action, quantity, price, estimated_value,
	actual_value, status, failure_reason, execution_started_at, executed_at, created_at`

// NewRepository creates a new trade repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "trades").Logger(),
	}
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Insert stores a new trade
func (r *Repository) Insert(ctx context.Context, trade *domain.RotationTrade) error {
	return r.insert(ctx, r.db, trade)
}

// InsertTx stores a new trade inside an open transaction
func (r *Repository) InsertTx(ctx context.Context, tx *sql.Tx, trade *domain.RotationTrade) error {
	return r.insert(ctx, tx, trade)
}

func (r *Repository) insert(ctx context.Context, db execer, trade *domain.RotationTrade) error {
	var cycleID sql.NullString
	if !trade.IsStandalone() {
		cycleID = sql.NullString{String: *trade.CycleID, Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO rebalancing_trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		trade.ID,
		cycleID,
		trade.UserID,
		strings.ToUpper(strings.TrimSpace(trade.Symbol)),
		string(trade.Action),
		trade.Quantity,
		trade.Price,
		trade.EstimatedValue,
		trade.ActualValue,
		string(trade.Status),
		string(trade.FailureReason),
		database.NullMillis(trade.ExecutionStartedAt),
		database.NullMillis(trade.ExecutedAt),
		database.ToMillis(trade.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", trade.ID, err)
	}
	return nil
}

// Get retrieves a trade by id. Returns an error wrapping domain.ErrNotFound
// when the trade does not exist.
func (r *Repository) Get(ctx context.Context, id string) (*domain.RotationTrade, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+tradeColumns+" FROM rebalancing_trades WHERE id = ?", id)
	trade, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade %s: %w", id, err)
	}
	return trade, nil
}

// ListByCycle returns the trades of a cycle in creation order
func (r *Repository) ListByCycle(ctx context.Context, cycleID string) ([]domain.RotationTrade, error) {
	return r.query(ctx, `
		SELECT `+tradeColumns+` FROM rebalancing_trades
		WHERE rebalancing_id = ?
		ORDER BY created_at, rowid
	`, cycleID)
}

// ListOpenByUser returns the user's non-terminal trades in creation order
func (r *Repository) ListOpenByUser(ctx context.Context, userID string) ([]domain.RotationTrade, error) {
	return r.query(ctx, `
		SELECT `+tradeColumns+` FROM rebalancing_trades
		WHERE user_id = ? AND status IN ('pending', 'validated', 'prepared', 'executing')
		ORDER BY created_at, rowid
	`, userID)
}

// ListExecutingSince returns trades that entered executing before cutoff
func (r *Repository) ListExecutingSince(ctx context.Context, cutoff time.Time) ([]domain.RotationTrade, error) {
	return r.query(ctx, `
		SELECT `+tradeColumns+` FROM rebalancing_trades
		WHERE status = 'executing' AND execution_started_at < ?
		ORDER BY execution_started_at
	`, database.ToMillis(cutoff))
}

// ListUnarchivedTerminal returns terminal trades not yet copied to the ledger
func (r *Repository) ListUnarchivedTerminal(ctx context.Context, limit int) ([]domain.RotationTrade, error) {
	return r.query(ctx, `
		SELECT `+tradeColumns+` FROM rebalancing_trades
		WHERE archived = 0 AND status IN ('executed', 'cancelled', 'failed')
		ORDER BY created_at, rowid
		LIMIT ?
	`, limit)
}

// MarkArchived flags a terminal trade as recorded in the ledger
func (r *Repository) MarkArchived(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE rebalancing_trades SET archived = 1
		WHERE id = ? AND status IN ('executed', 'cancelled', 'failed')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark trade %s archived: %w", id, err)
	}
	return nil
}

// MarkValidated moves a pending trade to validated with the quoted price
func (r *Repository) MarkValidated(ctx context.Context, id string, price decimal.Decimal) error {
	return r.transition(ctx, id, domain.TradeStatusPending, domain.TradeStatusValidated,
		"price = ?", price)
}

// MarkPrepared moves a validated trade to prepared, locking price and estimated value
func (r *Repository) MarkPrepared(ctx context.Context, id string, price, estimated decimal.Decimal) error {
	return r.transition(ctx, id, domain.TradeStatusValidated, domain.TradeStatusPrepared,
		"price = ?, estimated_value = ?", price, estimated)
}

// MarkExecuting moves a prepared trade to executing
func (r *Repository) MarkExecuting(ctx context.Context, id string, startedAt time.Time) error {
	return r.transition(ctx, id, domain.TradeStatusPrepared, domain.TradeStatusExecuting,
		"execution_started_at = ?", database.ToMillis(startedAt))
}

// MarkExecuted moves an executing trade to executed with its filled value
func (r *Repository) MarkExecuted(ctx context.Context, id string, actual decimal.Decimal, executedAt time.Time) error {
	return r.transition(ctx, id, domain.TradeStatusExecuting, domain.TradeStatusExecuted,
		"actual_value = ?, executed_at = ?", actual, database.ToMillis(executedAt))
}

// MarkFailed moves a trade from the given status to failed with a reason
func (r *Repository) MarkFailed(ctx context.Context, id string, from domain.TradeStatus, reason domain.FailureReason) error {
	return r.transition(ctx, id, from, domain.TradeStatusFailed, "failure_reason = ?", string(reason))
}

// MarkCancelled moves a trade from the given status to cancelled
func (r *Repository) MarkCancelled(ctx context.Context, id string, from domain.TradeStatus) error {
	return r.transition(ctx, id, from, domain.TradeStatusCancelled, "")
}

// transition applies a compare-and-swap status update. When no row matches,
// the observed status is reported as an InvalidTransitionError.
func (r *Repository) transition(
	ctx context.Context,
	id string,
	from, to domain.TradeStatus,
	sets string,
	args ...interface{},
) error {
	if !from.CanTransitionTo(to) {
		return &domain.InvalidTransitionError{Entity: "trade", ID: id, From: string(from), To: string(to)}
	}

	query := "UPDATE rebalancing_trades SET status = ?"
	if sets != "" {
		query += ", " + sets
	}
	query += " WHERE id = ? AND status = ?"

	params := append([]interface{}{string(to)}, args...)
	params = append(params, id, string(from))

	result, err := r.db.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("failed to update trade %s to %s: %w", id, to, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for trade %s: %w", id, err)
	}
	if affected == 1 {
		r.log.Debug().
			Str("trade_id", id).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Trade status updated")
		return nil
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return &domain.InvalidTransitionError{Entity: "trade", ID: id, From: string(current.Status), To: string(to)}
}

func (r *Repository) query(ctx context.Context, query string, args ...interface{}) ([]domain.RotationTrade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	trades := make([]domain.RotationTrade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return trades, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*domain.RotationTrade, error) {
	var (
		trade                  domain.RotationTrade
		cycleID                sql.NullString
		action, status, reason string
		startedAt, executedAt  sql.NullInt64
		createdAtMs            int64
	)

	err := row.Scan(
		&trade.ID,
		&cycleID,
		&trade.UserID,
		&trade.Symbol,
		&action,
		&trade.Quantity,
		&trade.Price,
		&trade.EstimatedValue,
		&trade.ActualValue,
		&status,
		&reason,
		&startedAt,
		&executedAt,
		&createdAtMs,
	)
	if err != nil {
		return nil, err
	}

	if cycleID.Valid {
		id := cycleID.String
		trade.CycleID = &id
	}
	trade.Action = domain.TradeAction(action)
	trade.Status = domain.TradeStatus(status)
	trade.FailureReason = domain.FailureReason(reason)
	trade.ExecutionStartedAt = database.FromNullMillis(startedAt)
	trade.ExecutedAt = database.FromNullMillis(executedAt)
	trade.CreatedAt = database.FromMillis(createdAtMs)
	return &trade, nil
}
