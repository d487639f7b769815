package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jcmexdev/agri-traceability/internal/api/httpx"
	"github.com/jcmexdev/agri-traceability/internal/pkg/interceptors"
	"github.com/jcmexdev/agri-traceability/internal/pkg/telemetry"
	"github.com/jcmexdev/agri-traceability/internal/platform/bootstrap"
	"github.com/jcmexdev/agri-traceability/internal/platform/config"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/certificate"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/finalization"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/oracle"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/stages"
)

const ledgerHealthService = "traceability.ledger"

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("traceability: %v", err)
	}
	telemetry.InitLogger(cfg.ServiceName, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerOptions{
		ServiceName: cfg.ServiceName,
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
		if err := shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("traceability stopped", "error", err)
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
	if ledger.Client == nil {
		slog.Warn("ledger disabled, records will not be anchored")
	}

	historyCache := bootstrap.OpenCache(ctx, cfg.Redis, cfg.ServiceName)
	defer historyCache.Close()

	anchorer := ledger.Anchorer()
	issuer := certificate.New(store, anchorer, certificate.WithAnchorTimeout(cfg.Anchor.Timeout))
	handler := httpx.NewHandler(
		stages.New(store),
		finalization.New(store, anchorer, finalization.WithAnchorTimeout(cfg.Anchor.Timeout)),
		issuer,
		oracle.New(store, anchorer, issuer, oracle.WithCache(historyCache, cfg.Redis.HistoryTTL)),
		store,
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.UnaryServerInterceptor(),
			interceptors.TraceServerInterceptor(),
		),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	go bootstrap.WatchHealth(ctx, healthServer, ledgerHealthService, ledger.Ping, 15*time.Second)

	errCh := make(chan error, 2)
	go func() {
		slog.Info("traceability HTTP running", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		slog.Info("traceability gRPC health running", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stopServers(httpServer, grpcServer, healthServer)
		return err
	}
	slog.Info("shutting down")
	stopServers(httpServer, grpcServer, healthServer)
	return nil
}

func stopServers(httpServer *http.Server, grpcServer *grpc.Server, hs *health.Server) {
	hs.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	grpcServer.GracefulStop()
}
