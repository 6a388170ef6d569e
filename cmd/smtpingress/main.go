package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pawciobiel/smtpingress/internal/auth"
	"github.com/pawciobiel/smtpingress/internal/config"
	"github.com/pawciobiel/smtpingress/internal/logging"
	"github.com/pawciobiel/smtpingress/internal/metrics"
	"github.com/pawciobiel/smtpingress/internal/server"
	"github.com/pawciobiel/smtpingress/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	logging.InitLogging(&cfg.Logging)
	logger := logging.GetLogger()
	logger.Info("starting smtpingress", "hostname", cfg.Server.Hostname, "version", "dev")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStorage(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize storage backend:", err)
	}

	authenticator := auth.NewAllowListAuthenticator(cfg.Auth.AllowedAddresses)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Metrics.Port)
			if err := m.Serve(ctx, addr, logger); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	srv := server.New(cfg, logger, m, authenticator, store)
	if err := srv.Start(ctx); err != nil {
		log.Fatal("Failed to start server:", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("smtpingress stopped")
}

func newStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Strategy {
	case "s3":
		return storage.NewS3(ctx, cfg.Storage.S3.Bucket, cfg.Storage.S3.EndpointOverride)
	default:
		return storage.NewLocal(cfg.Storage.Local.BasePath), nil
	}
}
