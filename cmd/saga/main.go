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
	"github.com/Guizzs26/flight-booking-saga/internal/erp"
	"github.com/Guizzs26/flight-booking-saga/internal/gateway"
	"github.com/Guizzs26/flight-booking-saga/internal/inbox"
	"github.com/Guizzs26/flight-booking-saga/internal/models"
	"github.com/Guizzs26/flight-booking-saga/internal/saga"
	"github.com/Guizzs26/flight-booking-saga/internal/service"
	"github.com/Guizzs26/flight-booking-saga/pkg/infra"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	cfg.ServiceName = "booking-saga"
	logger, closeLog := infra.SetupLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)

	if err := cfg.Require("DATABASE_URL", "RABBITMQ_URL", "FRAPPE_BASE_URL"); err != nil {
		logger.Error("FATAL: invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("FATAL: Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	if err := repo.Migrate(ctx); err != nil {
		logger.Error("FATAL: Failed to apply schema", "error", err)
		os.Exit(1)
	}

	topology := broker.NewTopology(cfg.Exchanges)
	provider := broker.NewConnectionProvider(cfg.RabbitMQURL, "saga", topology, logger)
	defer provider.Close()

	go infra.StartObservabilityServer(ctx, cfg.MetricsPort, provider.IsHealthy, logger)

	coordinator := saga.NewCoordinator(topology, logger)
	gw := gateway.NewGateway(erp.NewClient(cfg.ERP, logger), topology, gateway.NewRetryPolicy(cfg.Saga), logger)

	sagaGuard := inbox.NewGuard(broker.QueueBookingSaga, repo, logger).
		Register(models.KindBookingRequested, coordinator.OnBookingRequested)
	inventoryGuard := inbox.NewGuard(broker.QueueInventoryEvents, repo, logger).
		Register(models.KindSeatDeltaApplied, coordinator.OnSeatDeltaApplied).
		Register(models.KindSeatDeltaRejected, coordinator.OnSeatDeltaRejected)
	erpEventsGuard := inbox.NewGuard(broker.QueueERPEvents, repo, logger).
		Register(models.KindExternalUpsertSucceeded, coordinator.OnExternalUpsertSucceeded).
		Register(models.KindExternalUpsertFailed, coordinator.OnExternalUpsertFailed)
	gatewayGuard := inbox.NewGuard(broker.QueueERPCommands, repo, logger).
		Register(models.KindExternalUpsertRequested, gw.OnUpsertRequested)

	consumers := []*broker.Consumer{
		broker.NewConsumer(provider, broker.QueueBookingSaga, cfg.Prefetch, sagaGuard, logger),
		broker.NewConsumer(provider, broker.QueueInventoryEvents, cfg.Prefetch, inventoryGuard, logger),
		broker.NewConsumer(provider, broker.QueueERPEvents, cfg.Prefetch, erpEventsGuard, logger),
		broker.NewConsumer(provider, broker.QueueERPCommands, cfg.Prefetch, gatewayGuard, logger),
		broker.NewConsumer(provider, broker.QueueDeadLetters, cfg.Prefetch, service.NewDeadLetterService(logger), logger),
	}

	logger.Info("🚀 Booking saga workers started", "pid", os.Getpid(), "prefetch", cfg.Prefetch)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		g.Go(func() error { return c.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		logger.Error("Worker terminated with error", "error", err)
	}
	logger.Info("✅ Shutdown complete")
}
