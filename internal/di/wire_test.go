package di

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/rotation/internal/config"
	"github.com/aristath/rotation/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:  t.TempDir(),
		LogLevel: "error",
		Port:     8001,
		DevMode:  true,
		Execution: config.ExecutionConfig{
			MaxAttempts:    3,
			Timeout:        5 * time.Second,
			AttemptTimeout: time.Second,
			RetryBackoff:   10 * time.Millisecond,
			Parallelism:    2,
		},
		Gateway: config.GatewayConfig{
			RateLimit:    100,
			Burst:        10,
			QuoteTimeout: time.Second,
		},
		Lock: config.LockConfig{Backend: config.LockBackendMemory},
		Schedules: config.ScheduleConfig{
			AutoRebalance:  "@hourly",
			Reaper:         "@every 1m",
			LedgerBackfill: "@every 5m",
			LedgerBackup:   "0 0 3 * * *",
		},
		CORSOrigin: []string{"*"},
	}
}

func TestWire(t *testing.T) {
	cfg := testConfig(t)
	log := zerolog.Nop()

	container, jobs, err := Wire(cfg, log)
	require.NoError(t, err)
	defer container.Close()

	for _, name := range []string{"rotation.db", "ledger.db"} {
		_, err := os.Stat(filepath.Join(cfg.DataDir, name))
		assert.NoError(t, err, name)
	}
	require.NoError(t, container.RotationDB.HealthCheck(context.Background()))
	require.NoError(t, container.LedgerDB.HealthCheck(context.Background()))

	assert.NotNil(t, container.TradingManager)
	assert.NotNil(t, container.CycleManager)
	assert.NotNil(t, container.Scheduler)
	assert.Nil(t, container.ArchiveService)
	assert.Nil(t, jobs.LedgerBackup)
	assert.Equal(t, "reaper", jobs.Reaper.Name())
}

func TestWire_DemoCycle(t *testing.T) {
	cfg := testConfig(t)
	container, jobs, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer container.Close()

	ctx := context.Background()
	cycle, err := container.CycleManager.CreateCycle(ctx, DemoUserID, nil, []domain.RotationOpportunity{{
		Symbol:              "AAPL",
		Action:              domain.TradeActionSell,
		Drift:               12,
		EstimatedTradeValue: decimal.NewFromInt(1000),
		ReferencePrice:      decimal.NewFromInt(200),
	}})
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatusPending, cycle.Status)

	trades, err := container.CycleManager.Trades(ctx, cycle.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(5), trades[0].Quantity)

	failed, err := container.CycleManager.SetStatus(ctx, cycle.ID, domain.CycleStatusFailed)
	require.Error(t, err, "pending cycles cannot fail directly")
	assert.Nil(t, failed)

	n, err := container.Scheduler.RunNow(ctx, jobs.LedgerBackfill)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWire_RejectsUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lock = config.LockConfig{
		Backend:   config.LockBackendRedis,
		RedisAddr: "127.0.0.1:1",
		TTL:       time.Second,
	}

	_, _, err := Wire(cfg, zerolog.Nop())
	assert.Error(t, err)
}
