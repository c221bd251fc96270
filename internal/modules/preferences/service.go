package preferences

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/rotation/internal/domain"
	"github.com/aristath/rotation/internal/events"
	"github.com/rs/zerolog"
)

// Update is a partial preferences change; nil fields keep their current value.
type Update struct {
	RebalancingEnabled     *bool    `json:"rebalancing_enabled"`
	DriftThreshold         *float64 `json:"drift_threshold"`
	TaxOptimizationEnabled *bool    `json:"tax_optimization_enabled"`
	AutoRebalanceFrequency *string  `json:"auto_rebalance_frequency"`
}

// Service reads and updates user preferences, falling back to defaults for
// users without a stored row.
type Service struct {
	repo         *Repository
	eventManager *events.Manager
	now          func() time.Time
	log          zerolog.Logger
}

// NewService creates a new preferences service
func NewService(repo *Repository, eventManager *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		repo:         repo,
		eventManager: eventManager,
		now:          time.Now,
		log:          log.With().Str("service", "preferences").Logger(),
	}
}

// GetPreferences implements domain.PreferenceProvider
func (s *Service) GetPreferences(ctx context.Context, userID string) (*domain.UserPreferences, error) {
	prefs, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if prefs == nil {
		defaults := domain.DefaultPreferences(userID)
		return &defaults, nil
	}
	return prefs, nil
}

// UpdatePreferences applies update on top of the current preferences and stores the result.
func (s *Service) UpdatePreferences(ctx context.Context, userID string, update Update) (*domain.UserPreferences, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}

	current, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	prefs := *current

	if update.RebalancingEnabled != nil {
		prefs.RebalancingEnabled = *update.RebalancingEnabled
	}
	if update.DriftThreshold != nil {
		if *update.DriftThreshold < 0 || *update.DriftThreshold > 100 {
			return nil, fmt.Errorf("%w: drift_threshold must be between 0 and 100, got %v",
				domain.ErrInvalidInput, *update.DriftThreshold)
		}
		prefs.DriftThreshold = *update.DriftThreshold
	}
	if update.TaxOptimizationEnabled != nil {
		prefs.TaxOptimizationEnabled = *update.TaxOptimizationEnabled
	}
	if update.AutoRebalanceFrequency != nil {
		frequency, err := domain.RebalanceFrequencyFromString(*update.AutoRebalanceFrequency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		prefs.AutoRebalanceFrequency = frequency
	}

	if err := s.repo.Upsert(ctx, prefs, s.now()); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("user_id", userID).
		Bool("rebalancing_enabled", prefs.RebalancingEnabled).
		Float64("drift_threshold", prefs.DriftThreshold).
		Str("frequency", string(prefs.AutoRebalanceFrequency)).
		Msg("Preferences updated")

	s.eventManager.Emit("preferences", &events.PreferencesChangedData{
		UserID:             userID,
		RebalancingEnabled: prefs.RebalancingEnabled,
		DriftThreshold:     prefs.DriftThreshold,
	})

	return s.GetPreferences(ctx, userID)
}

// ListEnabled returns the stored configurations with rebalancing enabled.
func (s *Service) ListEnabled(ctx context.Context) ([]domain.UserPreferences, error) {
	return s.repo.ListEnabled(ctx)
}

var _ domain.PreferenceProvider = (*Service)(nil)
