package rebalancing

import (
	"context"
	"errors"
	"time"

	"github.com/aristath/rotation/internal/domain"
	"github.com/rs/zerolog"
)

// PreferenceLister lists users that have rebalancing enabled
type PreferenceLister interface {
	ListEnabled(ctx context.Context) ([]domain.UserPreferences, error)
}

// OpportunityDetector detects rotation opportunities for a user
type OpportunityDetector interface {
	DetectForUser(ctx context.Context, userID string) ([]domain.RotationOpportunity, error)
}

// AutoRebalancer creates pending cycles for users whose rebalance frequency
// has elapsed since their last cycle. Cycles still need to be enabled.
type AutoRebalancer struct {
	manager     *Manager
	preferences PreferenceLister
	detector    OpportunityDetector
	now         func() time.Time
	log         zerolog.Logger
}

// NewAutoRebalancer creates a new auto-rebalancer
func NewAutoRebalancer(
	manager *Manager,
	preferences PreferenceLister,
	detector OpportunityDetector,
	log zerolog.Logger,
) *AutoRebalancer {
	return &AutoRebalancer{
		manager:     manager,
		preferences: preferences,
		detector:    detector,
		now:         time.Now,
		log:         log.With().Str("service", "auto_rebalance").Logger(),
	}
}

// Run evaluates every enabled user once and returns how many cycles it created.
// A failure for one user is logged and does not stop the others.
func (a *AutoRebalancer) Run(ctx context.Context) (int, error) {
	users, err := a.preferences.ListEnabled(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, prefs := range users {
		if err := ctx.Err(); err != nil {
			return created, err
		}

		ok, err := a.runForUser(ctx, prefs)
		if err != nil {
			a.log.Error().Err(err).Str("user_id", prefs.UserID).Msg("Auto-rebalance failed for user")
			continue
		}
		if ok {
			created++
		}
	}

	a.log.Info().Int("users", len(users)).Int("created", created).Msg("Auto-rebalance pass finished")
	return created, nil
}

func (a *AutoRebalancer) runForUser(ctx context.Context, prefs domain.UserPreferences) (bool, error) {
	interval := prefs.AutoRebalanceFrequency.Interval()
	if interval == 0 {
		interval = domain.DefaultFrequency.Interval()
	}

	last, err := a.manager.repo.LastCreatedAt(ctx, prefs.UserID)
	if err != nil {
		return false, err
	}
	if last != nil && a.now().Sub(*last) < interval {
		return false, nil
	}

	open, err := a.manager.repo.FindOpen(ctx, prefs.UserID)
	if err != nil {
		return false, err
	}
	if open != nil {
		return false, nil
	}

	opps, err := a.detector.DetectForUser(ctx, prefs.UserID)
	if err != nil {
		return false, err
	}
	if len(opps) == 0 {
		return false, nil
	}

	cycle, err := a.manager.CreateCycle(ctx, prefs.UserID, nil, opps)
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	a.log.Info().
		Str("user_id", prefs.UserID).
		Str("cycle_id", cycle.ID).
		Str("frequency", string(prefs.AutoRebalanceFrequency)).
		Msg("Auto-rebalance cycle created")
	return true, nil
}
