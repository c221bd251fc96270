// Package allocation stores per-user target weights, the reference the
// opportunity detector measures drift against.
package allocation

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/aristath/rotation/internal/database"
	"github.com/aristath/rotation/internal/domain"
	"github.com/rs/zerolog"
)

// weightTolerance absorbs float noise when checking that targets sum to 100.
const weightTolerance = 0.0001

// Target is a single symbol target weight
type Target struct {
	UpdatedAt    time.Time `json:"updated_at"`
	Symbol       string    `json:"symbol"`
	TargetWeight float64   `json:"target_weight"`
}

// Repository handles allocation target database operations
// Database: rotation.db (allocation_targets table)
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new allocation repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "allocation").Logger(),
	}
}

// GetTargets implements domain.TargetProvider: symbol -> target weight.
// Users without targets get an empty map.
func (r *Repository) GetTargets(ctx context.Context, userID string) (map[string]float64, error) {
	targets, err := r.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := make(map[string]float64, len(targets))
	for _, target := range targets {
		result[target.Symbol] = target.TargetWeight
	}
	return result, nil
}

// List returns the user's targets ordered by symbol
func (r *Repository) List(ctx context.Context, userID string) ([]Target, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, target_weight, updated_at
		FROM allocation_targets
		WHERE user_id = ?
		ORDER BY symbol
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocation targets: %w", err)
	}
	defer rows.Close()

	targets := make([]Target, 0)
	for rows.Next() {
		var target Target
		var updatedAtMs int64
		if err := rows.Scan(&target.Symbol, &target.TargetWeight, &updatedAtMs); err != nil {
			return nil, fmt.Errorf("failed to scan allocation target: %w", err)
		}
		target.UpdatedAt = database.FromMillis(updatedAtMs)
		targets = append(targets, target)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allocation targets: %w", err)
	}
	return targets, nil
}

// ReplaceTargets atomically replaces every target of a user.
// Weights must be within 0-100 and sum to at most 100; the remainder is
// treated as a cash target.
func (r *Repository) ReplaceTargets(ctx context.Context, userID string, targets map[string]float64, now time.Time) error {
	normalized, err := NormalizeTargets(targets)
	if err != nil {
		return err
	}

	symbols := make([]string, 0, len(normalized))
	for symbol := range normalized {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	ms := database.ToMillis(now)
	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM allocation_targets WHERE user_id = ?", userID); err != nil {
			return fmt.Errorf("failed to clear allocation targets: %w", err)
		}
		for _, symbol := range symbols {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO allocation_targets (user_id, symbol, target_weight, updated_at)
				VALUES (?, ?, ?, ?)
			`, userID, symbol, normalized[symbol], ms)
			if err != nil {
				return fmt.Errorf("failed to insert allocation target %s: %w", symbol, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info().
		Str("user_id", userID).
		Int("targets", len(symbols)).
		Msg("Allocation targets replaced")
	return nil
}

// NormalizeTargets upper-cases symbols and checks weight bounds.
func NormalizeTargets(targets map[string]float64) (map[string]float64, error) {
	normalized := make(map[string]float64, len(targets))
	total := 0.0
	for symbol, weight := range targets {
		key := strings.ToUpper(strings.TrimSpace(symbol))
		if key == "" {
			return nil, fmt.Errorf("%w: empty symbol in targets", domain.ErrInvalidInput)
		}
		if math.IsNaN(weight) || weight < 0 || weight > 100 {
			return nil, fmt.Errorf("%w: target weight for %s must be between 0 and 100, got %v",
				domain.ErrInvalidInput, key, weight)
		}
		if _, dup := normalized[key]; dup {
			return nil, fmt.Errorf("%w: duplicate symbol %s in targets", domain.ErrInvalidInput, key)
		}
		normalized[key] = weight
		total += weight
	}
	if total > 100+weightTolerance {
		return nil, fmt.Errorf("%w: target weights sum to %.4f, more than 100", domain.ErrInvalidInput, total)
	}
	return normalized, nil
}

var _ domain.TargetProvider = (*Repository)(nil)
