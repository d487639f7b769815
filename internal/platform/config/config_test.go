package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port int `env:"TRACEABILITY_TEST_PORT" envDefault:"123"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("TRACEABILITY_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Anchor.MaxAttempts != 3 || cfg.Anchor.CostMultiplierPct != 120 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Anchor.BaseDelay != 2*time.Second || cfg.Redis.HistoryTTL != 24*time.Hour {
		t.Fatalf("durations = %v %v", cfg.Anchor.BaseDelay, cfg.Redis.HistoryTTL)
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Fatalf("level = %v", cfg.SlogLevel())
	}
}

func TestLoadNestedPrefixes(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("STORE_DATABASE_URL", "postgres://localhost/trace")
	t.Setenv("ANCHOR_BASE_DELAY", "250ms")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.DatabaseURL != "postgres://localhost/trace" || cfg.Anchor.BaseDelay != 250*time.Millisecond {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("level = %v", cfg.SlogLevel())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown driver", map[string]string{"STORE_DRIVER": "mongo"}, "unknown STORE_DRIVER"},
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}, "STORE_DATABASE_URL"},
		{"low multiplier", map[string]string{"ANCHOR_COST_MULTIPLIER_PCT": "110"}, "at least 120"},
		{"zero attempts", map[string]string{"ANCHOR_MAX_ATTEMPTS": "0"}, "MAX_ATTEMPTS"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}
