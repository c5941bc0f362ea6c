package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Guizzs26/flight-booking-saga/internal/broker"
	"github.com/Guizzs26/flight-booking-saga/internal/config"
	"github.com/Guizzs26/flight-booking-saga/internal/db"
	"github.com/Guizzs26/flight-booking-saga/internal/inbox"
	"github.com/Guizzs26/flight-booking-saga/internal/inventory"
	"github.com/Guizzs26/flight-booking-saga/internal/models"
	"github.com/Guizzs26/flight-booking-saga/pkg/infra"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	cfg.ServiceName = "seat-service"
	logger, closeLog := infra.SetupLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)

	if err := cfg.Require("DATABASE_URL", "RABBITMQ_URL", "SEAT_SERVICE_API_KEY"); err != nil {
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
	provider := broker.NewConnectionProvider(cfg.RabbitMQURL, "inventory", topology, logger)
	defer provider.Close()

	go infra.StartObservabilityServer(ctx, cfg.MetricsPort, provider.IsHealthy, logger)

	worker := inventory.NewWorker(topology, logger)
	guard := inbox.NewGuard(broker.QueueSeatDelta, repo, logger).
		Register(models.KindSeatDeltaRequested, worker.OnSeatDeltaRequested)
	consumer := broker.NewConsumer(provider, broker.QueueSeatDelta, cfg.Prefetch, guard, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	inventory.NewAPI(repo, cfg.SeatService.APIKey, logger).Register(router)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("🚀 Seat service started", "addr", cfg.HTTPAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Seat service terminated with error", "error", err)
	}
	logger.Info("✅ Shutdown complete")
}
