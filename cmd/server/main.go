// Package main is the entry point for the rotation engine.
// It detects allocation drift per user, turns it into rotation cycles of
// trades, executes them against the brokerage and records the outcome in an
// append-only ledger.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/rotation/internal/config"
	"github.com/aristath/rotation/internal/di"
	"github.com/aristath/rotation/internal/scheduler"
	"github.com/aristath/rotation/internal/server"
	"github.com/aristath/rotation/pkg/logger"
)

// main orchestrates startup:
// 1. Loads configuration and initializes logging
// 2. Wires all dependencies (databases, collaborators, services, jobs)
// 3. Recovers executions interrupted by a previous shutdown
// 4. Starts the HTTP server and the job scheduler
// 5. Waits for a shutdown signal and stops everything in reverse order
//
// Two databases are used:
// - rotation.db: live state (cycles, trades, preferences, targets)
// - ledger.db: immutable audit trail of terminal cycles and trades
func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.DevMode,
		Service: "rotation",
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting rotation engine")

	container, jobs, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	// Closing flushes the WAL of both databases
	defer func() {
		if err := container.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close resources")
		}
	}()

	// Trades left in executing by a crash are failed, their cycles settled and
	// any missed ledger writes replayed before new work is accepted
	startupCtx, startupCancel := context.WithTimeout(context.Background(), time.Minute)
	for _, job := range []scheduler.Job{jobs.Reaper, jobs.LedgerBackfill} {
		if affected, err := container.Scheduler.RunNow(startupCtx, job); err != nil {
			log.Error().Err(err).Str("job", job.Name()).Msg("Startup recovery failed")
		} else if affected > 0 {
			log.Info().Str("job", job.Name()).Int("affected", affected).Msg("Startup recovery applied")
		}
	}
	startupCancel()

	srv := server.New(server.Config{
		Log:       log,
		Config:    cfg,
		Container: container,
		Jobs:      jobs,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	container.Scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Cancels running jobs and waits for them to return
	container.Scheduler.Stop()
	log.Info().Msg("Scheduler stopped")

	log.Info().Msg("Server stopped")
}
