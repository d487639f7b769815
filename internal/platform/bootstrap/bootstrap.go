// Package bootstrap opens the adapters selected by config for the binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jcmexdev/agri-traceability/internal/anchor"
	"github.com/jcmexdev/agri-traceability/internal/anchor/attemptlog"
	attemptsqlite "github.com/jcmexdev/agri-traceability/internal/anchor/attemptlog/sqlite"
	"github.com/jcmexdev/agri-traceability/internal/anchor/localchain"
	"github.com/jcmexdev/agri-traceability/internal/pkg/cache"
	"github.com/jcmexdev/agri-traceability/internal/platform/config"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage/memory"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage/postgres"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage/sqlite"
)

// OpenStore opens the durable store named by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		return sqlite.Open(cfg.SQLitePath)
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DatabaseURL)
	}
	return nil, fmt.Errorf("bootstrap: unknown store driver %q", cfg.Driver)
}

// Ledger is the opened anchoring stack. Client is nil when the ledger is
// disabled; callers then run without anchoring.
type Ledger struct {
	Client *anchor.Client
	chain  *localchain.Chain
	log    *attemptsqlite.Repository
}

// OpenLedger opens the local chain and the attempt log and builds the client.
func OpenLedger(ledger config.LedgerConfig, cfg config.AnchorConfig) (*Ledger, error) {
	if !ledger.Enabled {
		return &Ledger{}, nil
	}
	chain, err := localchain.Open(ledger.Path, localchain.Options{
		BlockTime: ledger.BlockTime,
		BaseFee:   ledger.BaseFee,
		Balance:   ledger.Balance,
	})
	if err != nil {
		return nil, err
	}
	l := &Ledger{chain: chain}

	var attempts attemptlog.Repository = attemptlog.NewMemoryRepository()
	if cfg.AttemptLogPath != "" {
		repo, err := attemptsqlite.Open(cfg.AttemptLogPath)
		if err != nil {
			_ = chain.Close()
			return nil, err
		}
		l.log = repo
		attempts = repo
	}

	l.Client = anchor.New(chain, anchor.Config{
		MaxAttempts:       cfg.MaxAttempts,
		BaseDelay:         cfg.BaseDelay,
		Confirmations:     cfg.Confirmations,
		CostMultiplierPct: cfg.CostMultiplierPct,
		ConfirmTimeout:    cfg.ConfirmTimeout,
	}, anchor.WithAttemptLog(attempts))
	return l, nil
}

// Anchorer returns the client as an anchor.Anchorer, or nil when disabled.
// The explicit nil keeps the services' nil checks working.
func (l *Ledger) Anchorer() anchor.Anchorer {
	if l.Client == nil {
		return nil
	}
	return l.Client
}

// Ping reports whether the ledger can be read.
func (l *Ledger) Ping(context.Context) error {
	if l.chain == nil {
		return errors.New("ledger disabled")
	}
	_, err := l.chain.Head()
	return err
}

// Close releases the chain and the attempt log.
func (l *Ledger) Close() error {
	var errs []error
	if l.chain != nil {
		errs = append(errs, l.chain.Close())
	}
	if l.log != nil {
		errs = append(errs, l.log.Close())
	}
	return errors.Join(errs...)
}

// OpenCache returns a redis cache when an address is configured, otherwise
// an in-process one.
func OpenCache(ctx context.Context, cfg config.RedisConfig, serviceName string) cache.Cache {
	if cfg.Addr == "" {
		return cache.NewMemory(serviceName)
	}
	c := cache.NewRedisCache(cfg.Addr, cfg.Password, cfg.DB, serviceName)
	if err := c.Ping(ctx); err != nil {
		slog.WarnContext(ctx, "redis unreachable, history cache degraded", "addr", cfg.Addr, "error", err)
	}
	return c
}

// WatchHealth sets the serving status of service from check every interval
// until ctx is done.
func WatchHealth(ctx context.Context, hs *health.Server, service string, check func(context.Context) error, every time.Duration) {
	update := func() {
		cctx, cancel := context.WithTimeout(ctx, every)
		defer cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err := check(cctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			slog.WarnContext(ctx, "health check failed", "service", service, "error", err)
		}
		hs.SetServingStatus(service, status)
	}

	update()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			update()
		}
	}
}
