// Command orders runs the order side: the outbox relay for order events and,
// with the in-memory bus, the payments consumer in the same process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4"
	"github.com/overtonx/outbox/v4/config"
	"github.com/overtonx/outbox/v4/internal/app"
	"github.com/overtonx/outbox/v4/order"
)

const paymentsGroup = "payments"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orders: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("orders")
	if err != nil {
		return err
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

	groups := cfg.RabbitMQ.BindGroups
	if transport.InProcess() {
		groups = []string{paymentsGroup}
	}
	for _, group := range groups {
		if err := transport.Bind(order.DefaultTopic, group); err != nil {
			return err
		}
	}

	metrics := outbox.NewOpenTelemetryMetricsCollector()
	carrier, err := app.NewCarrier(cfg, app.NewStore(db, dialect, logger), transport.Publisher, metrics, logger)
	if err != nil {
		return fmt.Errorf("create carrier: %w", err)
	}

	deps := app.Deps{
		Config:    cfg,
		DB:        db,
		Dialect:   dialect,
		UoW:       app.NewTxManager(db),
		Carrier:   carrier,
		Transport: transport,
		Metrics:   metrics,
		Logger:    logger,
	}

	var workers []outbox.Worker
	var pruner outbox.DedupPruner
	if transport.InProcess() {
		// Payments run here because an in-memory bus cannot cross processes.
		deps.Config.Consumer.Group = paymentsGroup
		runner, dedup := app.PaymentsConsumer(deps)
		workers = append(workers, runner)
		pruner = dedup
	}
	workers = append(workers, app.RelayWorkers(cfg, carrier, pruner, logger)...)
	if cfg.DemoInterval > 0 {
		workers = append(workers, app.DemoOrders(app.NewOrderHandler(deps), cfg.DemoInterval, logger))
	}

	logger.Info("Orders service starting",
		zap.String("bus", cfg.Bus.Kind),
		zap.String("db", dialect.Name),
		zap.String("owner", carrier.Owner()))

	outbox.NewDispatcher(logger, workers...).Start(ctx)

	logger.Info("Orders service stopped")
	return nil
}
