package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcmexdev/agri-traceability/internal/pkg/telemetry"
	"github.com/jcmexdev/agri-traceability/internal/platform/bootstrap"
	"github.com/jcmexdev/agri-traceability/internal/platform/config"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/reconcile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("anchor-reconciler: %v", err)
	}
	if !cfg.Ledger.Enabled {
		config.Exitf("anchor-reconciler: LEDGER_ENABLED is false, nothing to reconcile")
	}
	telemetry.InitLogger(cfg.ServiceName+"-reconciler", cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerOptions{
		ServiceName: cfg.ServiceName + "-reconciler",
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
		Disabled:    !cfg.Tracing.Enabled,
	})
	if err != nil {
		slog.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("reconciler stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	store, err := bootstrap.OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	ledger, err := bootstrap.OpenLedger(cfg.Ledger, cfg.Anchor)
	if err != nil {
		return err
	}
	defer ledger.Close()

	r := reconcile.New(store, ledger.Anchorer(), cfg.Reconcile.BatchSize)
	if cfg.Reconcile.Interval <= 0 {
		rep, err := r.RunOnce(ctx)
		if err != nil {
			return err
		}
		if rep.Failed > 0 {
			slog.Warn("some records are still unanchored", "failed", rep.Failed)
		}
		return nil
	}
	slog.Info("reconciler running", "interval", cfg.Reconcile.Interval)
	return r.Run(ctx, cfg.Reconcile.Interval)
}
