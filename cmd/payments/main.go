// Command payments consumes order events, keeps one payment per order and
// relays payment events from its own outbox.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4"
	"github.com/overtonx/outbox/v4/config"
	"github.com/overtonx/outbox/v4/internal/app"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "payments: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("payments")
	if err != nil {
		return err
	}
	if cfg.Bus.Kind == config.BusMemory {
		return errors.New("the in-memory bus only works inside the orders process; set BUS_KIND")
	}

	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, dialect, err := app.OpenDB(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	transport, err := app.OpenTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Warn("Failed to close bus", zap.Error(err))
		}
	}()

	cache, closeCache, err := app.NewDedupCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = closeCache() }()

	metrics := outbox.NewOpenTelemetryMetricsCollector()
	carrier, err := app.NewCarrier(cfg, app.NewStore(db, dialect, logger), transport.Publisher, metrics, logger)
	if err != nil {
		return fmt.Errorf("create carrier: %w", err)
	}

	runner, dedup := app.PaymentsConsumer(app.Deps{
		Config:    cfg,
		DB:        db,
		Dialect:   dialect,
		UoW:       app.NewTxManager(db),
		Carrier:   carrier,
		Transport: transport,
		Cache:     cache,
		Metrics:   metrics,
		Logger:    logger,
	})

	workers := append([]outbox.Worker{runner}, app.RelayWorkers(cfg, carrier, dedup, logger)...)

	logger.Info("Payments service starting",
		zap.String("bus", cfg.Bus.Kind),
		zap.String("db", dialect.Name),
		zap.String("group", cfg.Consumer.Group),
		zap.Bool("dedup_cache", cache != nil))

	outbox.NewDispatcher(logger, workers...).Start(ctx)

	logger.Info("Payments service stopped")
	return nil
}
