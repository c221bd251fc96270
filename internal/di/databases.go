package di

import (
	"fmt"
	"path/filepath"

	"github.com/aristath/rotation/internal/config"
	"github.com/aristath/rotation/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens rotation.db and ledger.db and applies their schemas
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// 1. rotation.db - live state (cycles, trades, preferences, targets)
	rotationDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "rotation.db"),
		Profile: database.ProfileStandard,
		Name:    database.NameRotation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rotation database: %w", err)
	}
	container.RotationDB = rotationDB
	container.onClose(rotationDB.Close)

	// 2. ledger.db - immutable history of terminal cycles and trades
	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger, // Maximum safety for immutable audit trail
		Name:    database.NameLedger,
	})
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to initialize ledger database: %w", err)
	}
	container.LedgerDB = ledgerDB
	container.onClose(ledgerDB.Close)

	for _, db := range []*database.DB{rotationDB, ledgerDB} {
		if err := db.Migrate(); err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", db.Name(), err)
		}
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("Databases initialized and schemas applied")

	return container, nil
}
