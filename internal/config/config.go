// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Lock backends
const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for rotation.db and ledger.db (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	Execution  ExecutionConfig
	Gateway    GatewayConfig
	Lock       LockConfig
	Schedules  ScheduleConfig
	Archive    ArchiveConfig
	CORSOrigin []string
}

// ExecutionConfig bounds order submission.
type ExecutionConfig struct {
	MaxAttempts    int
	Timeout        time.Duration // overall bound for one execute call
	AttemptTimeout time.Duration
	RetryBackoff   time.Duration
	Parallelism    int // concurrent trades per rotation
}

// GatewayConfig configures the guards around the quote source and execution gateway.
type GatewayConfig struct {
	RateLimit    float64 // requests per second
	Burst        int
	QuoteTimeout time.Duration
}

// LockConfig selects the per-user lock implementation.
type LockConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// ScheduleConfig holds cron expressions for background jobs.
type ScheduleConfig struct {
	AutoRebalance  string
	Reaper         string
	LedgerBackfill string
	LedgerBackup   string
}

// ArchiveConfig holds Cloudflare R2 credentials for ledger backups.
type ArchiveConfig struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	RetentionDays   int
}

// Enabled reports whether ledger archiving has credentials.
func (a ArchiveConfig) Enabled() bool {
	return a.AccountID != "" && a.AccessKeyID != "" && a.SecretAccessKey != "" && a.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("ROTATION_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("GO_PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Execution: ExecutionConfig{
			MaxAttempts:    getEnvAsInt("EXECUTION_MAX_ATTEMPTS", 3),
			Timeout:        getEnvAsDuration("EXECUTION_TIMEOUT", 30*time.Second),
			AttemptTimeout: getEnvAsDuration("EXECUTION_ATTEMPT_TIMEOUT", 8*time.Second),
			RetryBackoff:   getEnvAsDuration("RETRY_BACKOFF", 500*time.Millisecond),
			Parallelism:    getEnvAsInt("ROTATION_PARALLELISM", 4),
		},
		Gateway: GatewayConfig{
			RateLimit:    getEnvAsFloat("GATEWAY_RATE_LIMIT", 10),
			Burst:        getEnvAsInt("GATEWAY_BURST", 5),
			QuoteTimeout: getEnvAsDuration("QUOTE_TIMEOUT", 5*time.Second),
		},
		Lock: LockConfig{
			Backend:       strings.ToLower(getEnv("LOCK_BACKEND", LockBackendMemory)),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("REDIS_DB", 0),
			TTL:           getEnvAsDuration("LOCK_TTL", 10*time.Second),
		},
		Schedules: ScheduleConfig{
			AutoRebalance:  getEnv("AUTO_REBALANCE_SCHEDULE", "@hourly"),
			Reaper:         getEnv("REAPER_SCHEDULE", "@every 1m"),
			LedgerBackfill: getEnv("LEDGER_BACKFILL_SCHEDULE", "@every 5m"),
			LedgerBackup:   getEnv("LEDGER_BACKUP_SCHEDULE", "0 0 3 * * *"),
		},
		Archive: ArchiveConfig{
			AccountID:       getEnv("R2_ACCOUNT_ID", ""),
			AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("R2_BUCKET", ""),
			RetentionDays:   getEnvAsInt("R2_RETENTION_DAYS", 30),
		},
		CORSOrigin: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid GO_PORT: %d", c.Port)
	}
	if c.Execution.MaxAttempts < 1 {
		return fmt.Errorf("EXECUTION_MAX_ATTEMPTS must be at least 1, got %d", c.Execution.MaxAttempts)
	}
	if c.Execution.Timeout <= 0 || c.Execution.AttemptTimeout <= 0 {
		return fmt.Errorf("execution timeouts must be positive")
	}
	if c.Execution.AttemptTimeout > c.Execution.Timeout {
		return fmt.Errorf("EXECUTION_ATTEMPT_TIMEOUT (%s) exceeds EXECUTION_TIMEOUT (%s)",
			c.Execution.AttemptTimeout, c.Execution.Timeout)
	}
	if c.Execution.RetryBackoff < 0 {
		return fmt.Errorf("RETRY_BACKOFF must not be negative")
	}
	if c.Execution.Parallelism < 1 {
		return fmt.Errorf("ROTATION_PARALLELISM must be at least 1, got %d", c.Execution.Parallelism)
	}
	if c.Gateway.RateLimit <= 0 || c.Gateway.Burst < 1 {
		return fmt.Errorf("gateway rate limit must be positive with burst >= 1")
	}
	if c.Gateway.QuoteTimeout <= 0 {
		return fmt.Errorf("QUOTE_TIMEOUT must be positive")
	}
	switch c.Lock.Backend {
	case LockBackendMemory:
	case LockBackendRedis:
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when LOCK_BACKEND=redis")
		}
		if c.Lock.TTL <= 0 {
			return fmt.Errorf("LOCK_TTL must be positive")
		}
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q (expected memory or redis)", c.Lock.Backend)
	}
	for name, expr := range map[string]string{
		"AUTO_REBALANCE_SCHEDULE":  c.Schedules.AutoRebalance,
		"REAPER_SCHEDULE":          c.Schedules.Reaper,
		"LEDGER_BACKFILL_SCHEDULE": c.Schedules.LedgerBackfill,
		"LEDGER_BACKUP_SCHEDULE":   c.Schedules.LedgerBackup,
	} {
		if _, err := scheduleParser.Parse(expr); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, expr, err)
		}
	}
	return nil
}

// scheduleParser accepts the same expressions as the job scheduler: six
// fields with seconds, or descriptors such as @hourly and @every 5m.
var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
