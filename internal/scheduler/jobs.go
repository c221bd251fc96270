package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// AutoRebalancer creates due cycles. Implemented by rebalancing.AutoRebalancer.
type AutoRebalancer interface {
	Run(ctx context.Context) (int, error)
}

// StaleTradeReaper fails trades stuck in executing. Implemented by trading.Manager.
type StaleTradeReaper interface {
	ReapStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// OrphanSettler settles started cycles whose trades all finished. Implemented
// by rebalancing.Manager.
type OrphanSettler interface {
	SettleOrphans(ctx context.Context) (int, error)
}

// LedgerBackfiller copies terminal rows that missed their ledger write.
type LedgerBackfiller interface {
	BackfillLedger(ctx context.Context) (int, error)
}

// Archiver uploads database snapshots. Implemented by reliability.ArchiveService.
type Archiver interface {
	CreateAndUpload(ctx context.Context) (string, error)
	RotateOldArchives(ctx context.Context, retentionDays int) (int, error)
}

// AutoRebalanceJob creates pending cycles for users whose frequency elapsed
type AutoRebalanceJob struct {
	auto AutoRebalancer
}

// NewAutoRebalanceJob creates the auto-rebalance job
func NewAutoRebalanceJob(auto AutoRebalancer) *AutoRebalanceJob {
	return &AutoRebalanceJob{auto: auto}
}

// Name returns the job name
func (j *AutoRebalanceJob) Name() string { return "auto_rebalance" }

// Run executes the job
func (j *AutoRebalanceJob) Run(ctx context.Context) (int, error) {
	return j.auto.Run(ctx)
}

// ReaperJob fails executions that outlived the timeout bound, then settles
// cycles that were left behind.
type ReaperJob struct {
	trades    StaleTradeReaper
	cycles    OrphanSettler
	olderThan time.Duration
	log       zerolog.Logger
}

// NewReaperJob creates the stale execution reaper
func NewReaperJob(trades StaleTradeReaper, cycles OrphanSettler, olderThan time.Duration, log zerolog.Logger) *ReaperJob {
	return &ReaperJob{
		trades:    trades,
		cycles:    cycles,
		olderThan: olderThan,
		log:       log.With().Str("job", "reaper").Logger(),
	}
}

// Name returns the job name
func (j *ReaperJob) Name() string { return "reaper" }

// Run executes the job
func (j *ReaperJob) Run(ctx context.Context) (int, error) {
	reaped, err := j.trades.ReapStale(ctx, j.olderThan)
	if err != nil {
		return reaped, err
	}

	settled, err := j.cycles.SettleOrphans(ctx)
	if settled > 0 {
		j.log.Info().Int("settled", settled).Msg("Settled orphaned cycles")
	}
	return reaped + settled, err
}

// LedgerBackfillJob records terminal trades and cycles whose inline ledger
// write failed. Trades go first so cycle history never leads its trades.
type LedgerBackfillJob struct {
	backfillers []LedgerBackfiller
}

// NewLedgerBackfillJob creates the ledger backfill job
func NewLedgerBackfillJob(backfillers ...LedgerBackfiller) *LedgerBackfillJob {
	return &LedgerBackfillJob{backfillers: backfillers}
}

// Name returns the job name
func (j *LedgerBackfillJob) Name() string { return "ledger_backfill" }

// Run executes the job
func (j *LedgerBackfillJob) Run(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, b := range j.backfillers {
		n, err := b.BackfillLedger(ctx)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// LedgerBackupJob uploads a snapshot archive of the databases to object
// storage and rotates old archives.
type LedgerBackupJob struct {
	archiver      Archiver
	retentionDays int
	log           zerolog.Logger
}

// NewLedgerBackupJob creates the backup job
func NewLedgerBackupJob(archiver Archiver, retentionDays int, log zerolog.Logger) *LedgerBackupJob {
	return &LedgerBackupJob{
		archiver:      archiver,
		retentionDays: retentionDays,
		log:           log.With().Str("job", "ledger_backup").Logger(),
	}
}

// Name returns the job name
func (j *LedgerBackupJob) Name() string { return "ledger_backup" }

// Run executes the job
func (j *LedgerBackupJob) Run(ctx context.Context) (int, error) {
	key, err := j.archiver.CreateAndUpload(ctx)
	if err != nil {
		return 0, err
	}
	j.log.Info().Str("archive", key).Msg("Ledger archive uploaded")

	deleted, err := j.archiver.RotateOldArchives(ctx, j.retentionDays)
	if err != nil {
		j.log.Warn().Err(err).Msg("Archive rotation failed")
	}
	return 1 + deleted, nil
}
