// Package config holds the environment-driven settings shared by the
// traceability binaries.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full runtime configuration.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"traceability"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr    string `env:"GRPC_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	Store     StoreConfig     `envPrefix:"STORE_"`
	Ledger    LedgerConfig    `envPrefix:"LEDGER_"`
	Anchor    AnchorConfig    `envPrefix:"ANCHOR_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	Tracing   TracingConfig   `envPrefix:"TRACING_"`
	Reconcile ReconcileConfig `envPrefix:"RECONCILE_"`
}

type StoreConfig struct {
	Driver      string `env:"DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"traceability.db"`
	DatabaseURL string `env:"DATABASE_URL"`
}

// LedgerConfig selects the ledger backend. Only the embedded local chain is
// built in; Enabled=false runs with anchoring switched off.
type LedgerConfig struct {
	Enabled   bool          `env:"ENABLED" envDefault:"true"`
	Path      string        `env:"PATH" envDefault:"ledger.db"`
	BlockTime time.Duration `env:"BLOCK_TIME" envDefault:"0s"`
	BaseFee   uint64        `env:"BASE_FEE" envDefault:"1"`
	Balance   uint64        `env:"BALANCE" envDefault:"0"`
}

type AnchorConfig struct {
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay         time.Duration `env:"BASE_DELAY" envDefault:"2s"`
	Confirmations     int           `env:"CONFIRMATIONS" envDefault:"1"`
	CostMultiplierPct uint64        `env:"COST_MULTIPLIER_PCT" envDefault:"120"`
	ConfirmTimeout    time.Duration `env:"CONFIRM_TIMEOUT" envDefault:"60s"`
	// Timeout bounds the whole best-effort anchor step of finalize/issue.
	Timeout        time.Duration `env:"TIMEOUT" envDefault:"30s"`
	AttemptLogPath string        `env:"ATTEMPT_LOG_PATH"`
}

// RedisConfig configures the history cache. An empty Addr uses an
// in-process cache.
type RedisConfig struct {
	Addr       string        `env:"ADDR"`
	Password   string        `env:"PASSWORD"`
	DB         int           `env:"DB" envDefault:"0"`
	HistoryTTL time.Duration `env:"HISTORY_TTL" envDefault:"24h"`
}

type TracingConfig struct {
	Enabled     bool   `env:"ENABLED" envDefault:"false"`
	Endpoint    string `env:"ENDPOINT" envDefault:"localhost:4317"`
	Environment string `env:"ENVIRONMENT" envDefault:"local"`
}

// ReconcileConfig drives cmd/anchor-reconciler. Interval 0 runs once.
type ReconcileConfig struct {
	Interval  time.Duration `env:"INTERVAL" envDefault:"0s"`
	BatchSize int           `env:"BATCH_SIZE" envDefault:"100"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return fmt.Errorf("config: STORE_SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DatabaseURL) == "" {
			return fmt.Errorf("config: STORE_DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Ledger.Enabled && strings.TrimSpace(c.Ledger.Path) == "" {
		return fmt.Errorf("config: LEDGER_PATH is required when the ledger is enabled")
	}
	if c.Anchor.CostMultiplierPct < 120 {
		return fmt.Errorf("config: ANCHOR_COST_MULTIPLIER_PCT must be at least 120")
	}
	if c.Anchor.MaxAttempts < 1 {
		return fmt.Errorf("config: ANCHOR_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
