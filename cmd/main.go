package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"quotadrive/internal/auth"
	"quotadrive/internal/blob"
	"quotadrive/internal/config"
	"quotadrive/internal/domain"
	"quotadrive/internal/handler"
	"quotadrive/internal/logger"
	"quotadrive/internal/metrics"
	"quotadrive/internal/repository"
	"quotadrive/internal/service"
)

const defaultConfigPath = "config.yaml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "quotadrive: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("QUOTADRIVE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	appConfig, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(appConfig.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, appConfig.Database, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("error closing database connection", zap.Error(err))
		}
	}()

	blobs, blobCloser, err := blob.New(ctx, appConfig.Blob, log)
	if err != nil {
		return fmt.Errorf("failed to open blob storage: %w", err)
	}
	defer blobCloser.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	policy, err := domain.NewProvisioningPolicy(appConfig.Quota.Tiers, appConfig.Quota.DefaultTier)
	if err != nil {
		return fmt.Errorf("invalid quota tiers: %w", err)
	}

	verifier, err := auth.NewVerifier(appConfig.Auth)
	if err != nil {
		return err
	}

	quotaRepo := repository.NewStorageQuotaRepository(db, log, m)
	fileRepo := repository.NewFileRepository(db)

	storageService := service.NewStorageService(quotaRepo, fileRepo, blobs, policy, log, m)
	quotaService := service.NewStorageQuotaService(quotaRepo, policy, log)
	reconcileService := service.NewReconcileService(blobs, fileRepo, quotaRepo, appConfig.Sweep, clock.WallClock, log, m)

	router := handler.NewRouter(handler.RouterConfig{
		Storage:        handler.NewStorageHandler(storageService, appConfig.Quota.MaxUploadBytes, log),
		Quota:          handler.NewStorageQuotaHandler(quotaService, log),
		Verifier:       verifier,
		Gatherer:       registry,
		AllowedOrigins: appConfig.Server.AllowedOrigins,
		RequestTimeout: appConfig.Server.RequestTimeout,
		Logger:         log,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler: router,
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", appConfig.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}

	errCh := make(chan error, 2)

	go func() {
		log.Info("starting gRPC server", zap.String("port", appConfig.Server.GRPCPort))
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("failed to serve gRPC: %w", err)
		}
	}()

	go func() {
		log.Info("starting HTTP server", zap.String("port", appConfig.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}()

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reconcileService.Start()

	select {
	case <-ctx.Done():
		log.Info("shutting down servers")
	case err := <-errCh:
		log.Error("server failed, shutting down", zap.Error(err))
	}

	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server forced to shutdown", zap.Error(err))
	}

	grpcServer.GracefulStop()

	if err := reconcileService.Stop(shutdownCtx); err != nil {
		log.Warn("reconciliation sweep did not stop in time", zap.Error(err))
	}

	log.Info("server exited properly")
	return nil
}
