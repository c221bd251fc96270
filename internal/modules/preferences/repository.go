// Package preferences provides the per-user rebalancing configuration store.
// This file implements the Repository, which handles the user_preferences table
// in rotation.db.
package preferences

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/rotation/internal/database"
	"github.com/aristath/rotation/internal/domain"
	"github.com/rs/zerolog"
)

// Repository handles user preference database operations.
// Each user has at most one row; users without a row use domain.DefaultPreferences.
type Repository struct {
	db  *sql.DB        // rotation.db - user_preferences table
	log zerolog.Logger // Structured logger
}

// NewRepository creates a new preferences repository.
//
// Parameters:
//   - db: Database connection to rotation.db
//   - log: Structured logger
//
// Returns:
//   - *Repository: Initialized repository instance
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "preferences").Logger(),
	}
}

const preferenceColumns = `user_id, rebalancing_enabled, drift_threshold, tax_optimization_enabled,
	auto_rebalance_frequency, created_at, updated_at`

// Get retrieves the stored preferences of a user.
// Returns nil if the user never saved preferences (not an error).
//
// Parameters:
//   - ctx: Context for cancellation
//   - userID: User identifier
//
// Returns:
//   - *domain.UserPreferences: Stored preferences, nil if not found
//   - error: Error if query fails
func (r *Repository) Get(ctx context.Context, userID string) (*domain.UserPreferences, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+preferenceColumns+" FROM user_preferences WHERE user_id = ?", userID)

	prefs, err := scanPreferences(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences for user %s: %w", userID, err)
	}
	return prefs, nil
}

// Upsert stores the preferences of prefs.UserID.
// Uses ON CONFLICT so that created_at survives updates.
//
// Parameters:
//   - ctx: Context for cancellation
//   - prefs: Preferences to store
//   - now: Timestamp recorded as updated_at (and created_at on first insert)
//
// Returns:
//   - error: Error if database operation fails
func (r *Repository) Upsert(ctx context.Context, prefs domain.UserPreferences, now time.Time) error {
	ms := database.ToMillis(now)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_preferences (`+preferenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			rebalancing_enabled = excluded.rebalancing_enabled,
			drift_threshold = excluded.drift_threshold,
			tax_optimization_enabled = excluded.tax_optimization_enabled,
			auto_rebalance_frequency = excluded.auto_rebalance_frequency,
			updated_at = excluded.updated_at
	`,
		prefs.UserID,
		boolToInt(prefs.RebalancingEnabled),
		prefs.DriftThreshold,
		boolToInt(prefs.TaxOptimizationEnabled),
		string(prefs.AutoRebalanceFrequency),
		ms,
		ms,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences for user %s: %w", prefs.UserID, err)
	}

	r.log.Debug().Str("user_id", prefs.UserID).Msg("Preferences saved")
	return nil
}

// ListEnabled returns every stored configuration with rebalancing enabled,
// ordered by user id. Used by the auto-rebalance job.
func (r *Repository) ListEnabled(ctx context.Context) ([]domain.UserPreferences, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+preferenceColumns+" FROM user_preferences WHERE rebalancing_enabled = 1 ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled preferences: %w", err)
	}
	defer rows.Close()

	var result []domain.UserPreferences
	for rows.Next() {
		prefs, err := scanPreferences(rows)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan preferences row")
			continue
		}
		result = append(result, *prefs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating preferences: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPreferences(row rowScanner) (*domain.UserPreferences, error) {
	var (
		prefs                    domain.UserPreferences
		enabled, taxOptimization int
		frequency                string
		createdAtMs, updatedAtMs int64
	)
	err := row.Scan(
		&prefs.UserID,
		&enabled,
		&prefs.DriftThreshold,
		&taxOptimization,
		&frequency,
		&createdAtMs,
		&updatedAtMs,
	)
	if err != nil {
		return nil, err
	}

	prefs.RebalancingEnabled = enabled != 0
	prefs.TaxOptimizationEnabled = taxOptimization != 0
	prefs.AutoRebalanceFrequency = domain.RebalanceFrequency(frequency)
	prefs.CreatedAt = database.FromMillis(createdAtMs)
	prefs.UpdatedAt = database.FromMillis(updatedAtMs)
	return &prefs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
