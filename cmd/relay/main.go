package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Guizzs26/flight-booking-saga/internal/broker"
	"github.com/Guizzs26/flight-booking-saga/internal/config"
	"github.com/Guizzs26/flight-booking-saga/internal/db"
	"github.com/Guizzs26/flight-booking-saga/internal/service"
	"github.com/Guizzs26/flight-booking-saga/pkg/infra"
)

func main() {
	cfg := config.Load()
	cfg.ServiceName = "outbox-relay"
	logger, closeLog := infra.SetupLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)

	if err := cfg.Require("DATABASE_URL", "RABBITMQ_URL"); err != nil {
		logger.Error("FATAL: invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	postgres, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("Fatal error connecting to Postgres", "error", err)
		os.Exit(1)
	}
	defer postgres.Close()

	if err := postgres.Migrate(ctx); err != nil {
		logger.Error("Fatal error applying schema", "error", err)
		os.Exit(1)
	}

	provider := broker.NewConnectionProvider(cfg.RabbitMQURL, "relay", broker.NewTopology(cfg.Exchanges), logger)
	defer provider.Close()
	rabbitmq := broker.NewRabbitMQClient(provider, cfg.ConfirmTimeout, logger)
	defer rabbitmq.Close()

	go infra.StartObservabilityServer(ctx, cfg.MetricsPort, provider.IsHealthy, logger)

	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		service.NewJanitor(postgres, cfg.OutboxRetention, logger).Run(ctx, cfg.MaintenanceInterval)
	}()

	logger.Info("🚀 Outbox relay started", "pid", os.Getpid())

	relay := service.NewRelay(postgres, rabbitmq, cfg.BatchSize, logger)
	if err := relay.Run(ctx, cfg.PollInterval, cfg.ErrorPause); err != nil {
		logger.Error("Relay terminated with error", "error", err)
	}

	<-janitorDone
	logger.Info("✅ Shutdown complete")
}
