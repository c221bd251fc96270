package di

import (
	"context"
	"fmt"

	"github.com/aristath/rotation/internal/clients/paper"
	"github.com/aristath/rotation/internal/config"
	"github.com/aristath/rotation/internal/database"
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
	"github.com/rs/zerolog"
)

// DemoUserID is the account seeded into the paper broker in dev mode
const DemoUserID = "demo"

// InitializeServices builds repositories, collaborators and services on top
// of the open databases
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	rotationDB := container.RotationDB.Conn()

	// Events
	container.EventBus = events.NewBus()
	container.EventManager = events.NewManager(container.EventBus, log)

	// Collaborators: the paper broker stands in for the brokerage and is
	// guarded like a remote service
	container.Broker = paper.NewBroker(log)
	if cfg.DevMode {
		container.Broker.SeedDemo(DemoUserID)
		log.Info().Str("user_id", DemoUserID).Msg("Seeded paper broker with demo portfolio")
	}
	guard := reliability.GuardConfig{
		RateLimit:    cfg.Gateway.RateLimit,
		Burst:        cfg.Gateway.Burst,
		QuoteTimeout: cfg.Gateway.QuoteTimeout,
	}
	container.Allocations = container.Broker
	container.Quotes = reliability.NewGuardedQuoteSource(container.Broker, guard)
	container.Gateway = reliability.NewGuardedGateway(container.Broker, guard)
	container.MarketHours = market_hours.NewMarketHoursService()

	locker, err := newLocker(cfg.Lock, log)
	if err != nil {
		return err
	}
	container.Locker = locker
	if redisLocker, ok := locker.(*locking.RedisLocker); ok {
		container.onClose(redisLocker.Close)
	}

	// Repositories
	container.PreferencesRepo = preferences.NewRepository(rotationDB, log)
	container.AllocationRepo = allocation.NewRepository(rotationDB, log)
	container.TradeRepo = trading.NewRepository(rotationDB, log)
	container.CycleRepo = rebalancing.NewRepository(rotationDB, container.TradeRepo, log)
	container.LedgerStore = ledger.NewStore(container.LedgerDB.Conn(), log)

	// Services
	container.PreferencesService = preferences.NewService(container.PreferencesRepo, container.EventManager, log)
	container.Detector = opportunities.NewDetector(
		container.PreferencesService,
		container.Allocations,
		container.AllocationRepo,
		container.Quotes,
		log,
	)

	container.TradingManager = trading.NewManager(
		container.TradeRepo,
		container.Quotes,
		container.Allocations,
		container.Gateway,
		container.MarketHours,
		container.Locker,
		container.LedgerStore,
		container.EventManager,
		executionPolicy(cfg.Execution, cfg.Gateway),
		log,
	)
	container.CycleManager = rebalancing.NewManager(
		container.CycleRepo,
		container.TradeRepo,
		container.TradingManager,
		container.Locker,
		container.LedgerStore,
		container.EventManager,
		cfg.Execution.Parallelism,
		log,
	)
	container.TradingManager.SetCycleCoordinator(container.CycleManager)

	container.AutoRebalancer = rebalancing.NewAutoRebalancer(
		container.CycleManager,
		container.PreferencesService,
		container.Detector,
		log,
	)

	if cfg.Archive.Enabled() {
		r2, err := reliability.NewR2Client(context.Background(), reliability.R2Config{
			AccountID:       cfg.Archive.AccountID,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			Bucket:          cfg.Archive.Bucket,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create r2 client: %w", err)
		}
		container.ArchiveService = reliability.NewArchiveService(
			r2,
			[]*database.DB{container.RotationDB, container.LedgerDB},
			cfg.DataDir,
			log,
		)
	} else {
		log.Info().Msg("R2 credentials not configured, ledger archiving disabled")
	}

	log.Info().Msg("Services initialized")
	return nil
}

// executionPolicy derives the retry bounds for order submission and quotes
func executionPolicy(exec config.ExecutionConfig, gateway config.GatewayConfig) trading.Policy {
	return trading.Policy{
		Submit: reliability.RetryPolicy{
			MaxAttempts:    exec.MaxAttempts,
			AttemptTimeout: exec.AttemptTimeout,
			Backoff:        exec.RetryBackoff,
			MaxBackoff:     4 * exec.RetryBackoff,
			Overall:        exec.Timeout,
		},
		Quote: reliability.RetryPolicy{
			MaxAttempts:    exec.MaxAttempts,
			AttemptTimeout: gateway.QuoteTimeout,
			Backoff:        exec.RetryBackoff,
			MaxBackoff:     4 * exec.RetryBackoff,
		},
	}
}

func newLocker(cfg config.LockConfig, log zerolog.Logger) (locking.Locker, error) {
	if cfg.Backend != config.LockBackendRedis {
		return locking.NewKeyedMutex(), nil
	}

	locker, err := locking.NewRedisLocker(locking.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.TTL,
	}, log)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("Using redis per-user locks")
	return locker, nil
}
