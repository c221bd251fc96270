package di

import (
	"fmt"

	"github.com/aristath/rotation/internal/config"
	"github.com/aristath/rotation/internal/scheduler"
	"github.com/rs/zerolog"
)

// RegisterJobs creates the background jobs and schedules them
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	container.Scheduler = scheduler.New(container.EventManager, log)

	instances := &JobInstances{
		AutoRebalance: scheduler.NewAutoRebalanceJob(container.AutoRebalancer),
		// An execution older than twice its overall bound can no longer be in flight
		Reaper: scheduler.NewReaperJob(
			container.TradingManager,
			container.CycleManager,
			2*cfg.Execution.Timeout,
			log,
		),
		// Trades first so a cycle is never recorded ahead of its trades
		LedgerBackfill: scheduler.NewLedgerBackfillJob(container.TradingManager, container.CycleManager),
	}
	if container.ArchiveService != nil {
		instances.LedgerBackup = scheduler.NewLedgerBackupJob(container.ArchiveService, cfg.Archive.RetentionDays, log)
	}

	schedules := []struct {
		spec string
		job  scheduler.Job
	}{
		{cfg.Schedules.AutoRebalance, instances.AutoRebalance},
		{cfg.Schedules.Reaper, instances.Reaper},
		{cfg.Schedules.LedgerBackfill, instances.LedgerBackfill},
	}
	if instances.LedgerBackup != nil {
		schedules = append(schedules, struct {
			spec string
			job  scheduler.Job
		}{cfg.Schedules.LedgerBackup, instances.LedgerBackup})
	}

	for _, s := range schedules {
		if err := container.Scheduler.AddJob(s.spec, s.job); err != nil {
			return nil, fmt.Errorf("failed to register %s job: %w", s.job.Name(), err)
		}
		log.Info().Str("job", s.job.Name()).Str("schedule", s.spec).Msg("Registered job")
	}

	return instances, nil
}
