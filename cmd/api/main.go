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

	"github.com/Guizzs26/flight-booking-saga/internal/api"
	"github.com/Guizzs26/flight-booking-saga/internal/broker"
	"github.com/Guizzs26/flight-booking-saga/internal/config"
	"github.com/Guizzs26/flight-booking-saga/internal/db"
	"github.com/Guizzs26/flight-booking-saga/internal/inventory"
	"github.com/Guizzs26/flight-booking-saga/internal/service"
	"github.com/Guizzs26/flight-booking-saga/pkg/infra"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.Load()
	cfg.ServiceName = "booking-api"
	logger, closeLog := infra.SetupLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)

	if err := cfg.Require("DATABASE_URL"); err != nil {
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

	// The API only writes the outbox; it never talks to the broker
	go infra.StartObservabilityServer(ctx, cfg.MetricsPort, nil, logger)

	var seats service.AvailabilityChecker
	if cfg.SeatService.PreCheck {
		if err := cfg.Require("SEAT_SERVICE_URL", "SEAT_SERVICE_API_KEY"); err != nil {
			logger.Error("FATAL: seat pre-check enabled without seat service settings", "error", err)
			os.Exit(1)
		}
		seats = inventory.NewClient(cfg.SeatService)
	}

	bookings := service.NewBookingService(repo, broker.NewTopology(cfg.Exchanges), seats, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewHandler(bookings, logger).Register(router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("🚀 Booking API listening", "addr", cfg.HTTPAddr, "seat_precheck", cfg.SeatService.PreCheck)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server failed", "error", err)
	}
	logger.Info("✅ Shutdown complete")
}
