// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/aristath/rotation/internal/clients/paper"
	"github.com/aristath/rotation/internal/database"
	"github.com/aristath/rotation/internal/domain"
	"github.com/aristath/rotation/internal/events"
	"github.com/aristath/rotation/internal/locking"
	"github.com/aristath/rotation/internal/modules/allocation"
	"github.com/aristath/rotation/internal/modules/ledger"
	"github.com/aristath/rotation/internal/modules/market_hours"
	"github.com/aristath/rotation/internal/modules/opportunities"
	"github.com/aristath/rotation/internal/modules/preferences"
	"github.com/aristath/rotation/internal/modules/rebalancing"
	"github.com/aristath/rotation/internal/modules/trading"
	"github.com/aristath/rotation/internal/reliability"
	"github.com/aristath/rotation/internal/scheduler"
)

// Container holds all dependencies for the application.
// It is built by Wire and passed to the server; nothing is global.
type Container struct {
	// Databases
	RotationDB *database.DB // live cycles, trades, preferences, targets
	LedgerDB   *database.DB // append-only audit trail

	// Events
	EventBus     *events.Bus
	EventManager *events.Manager

	// Collaborators
	Broker      *paper.Broker
	Allocations domain.AllocationSource
	Quotes      domain.QuoteSource
	Gateway     domain.ExecutionGateway
	MarketHours *market_hours.MarketHoursService
	Locker      locking.Locker

	// Repositories
	PreferencesRepo *preferences.Repository
	AllocationRepo  *allocation.Repository
	TradeRepo       *trading.Repository
	CycleRepo       *rebalancing.Repository
	LedgerStore     *ledger.Store

	// Services
	PreferencesService *preferences.Service
	Detector           *opportunities.Detector
	TradingManager     *trading.Manager
	CycleManager       *rebalancing.Manager
	AutoRebalancer     *rebalancing.AutoRebalancer
	ArchiveService     *reliability.ArchiveService // nil without R2 credentials

	// Background jobs
	Scheduler *scheduler.Scheduler

	closers []func() error
}

// JobInstances holds the registered background jobs
type JobInstances struct {
	AutoRebalance  *scheduler.AutoRebalanceJob
	Reaper         *scheduler.ReaperJob
	LedgerBackfill *scheduler.LedgerBackfillJob
	LedgerBackup   *scheduler.LedgerBackupJob // nil without R2 credentials
}

// Close releases the databases and the lock backend, newest first
func (c *Container) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.closers = nil
	return firstErr
}

func (c *Container) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}
