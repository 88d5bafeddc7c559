package app

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4"
	"github.com/overtonx/outbox/v4/bus"
	"github.com/overtonx/outbox/v4/config"
	"github.com/overtonx/outbox/v4/storage"
)

// NewCarrier builds the relay for store. Publishing goes through a circuit
// breaker so a broker outage pauses the relay instead of burning attempts.
func NewCarrier(cfg config.Config, store storage.Store, pub bus.Publisher, metrics outbox.MetricsCollector, logger *zap.Logger) (*outbox.Carrier, error) {
	breakerCfg := outbox.DefaultBreakerConfig()
	breakerCfg.Name = cfg.Service + "-publisher"

	publisher := outbox.NewBreakerPublisher(
		outbox.NewBusPublisher(pub, outbox.WithBusLogger(logger)),
		breakerCfg, logger, metrics,
	)
	return outbox.NewCarrier(store,
		outbox.WithLogger(logger),
		outbox.WithMetrics(metrics),
		outbox.WithPublisher(publisher),
		outbox.WithOwner(cfg.Service+"-"+uuid.NewString()[:8]),
	)
}

// RelayWorkers returns the relay, recovery, dead-letter and cleanup workers.
// pruner may be nil when the process consumes nothing.
func RelayWorkers(cfg config.Config, carrier *outbox.Carrier, pruner outbox.DedupPruner, logger *zap.Logger) []outbox.Worker {
	rc := cfg.Relay
	backoff := outbox.NewExponentialBackoffStrategy(rc.BaseBackoff, rc.MaxBackoff, true)

	processOpts := []outbox.EventProcessorOption{
		outbox.WithEventProcessorBatchSize(rc.BatchSize),
		outbox.WithEventProcessorMaxAttempts(rc.MaxAttempts),
		outbox.WithEventProcessorLeaseTTL(rc.LeaseTTL),
		outbox.WithEventProcessorBackoffStrategy(backoff),
	}
	if rc.PartitionCount > 0 {
		processOpts = append(processOpts, outbox.WithEventProcessorPartition(rc.PartitionCount, rc.PartitionIndex))
	}

	cleanupOpts := []outbox.CleanupServiceOption{
		outbox.WithCleanupServiceSentRetention(cfg.Retention.Sent),
	}
	if pruner != nil {
		cleanupOpts = append(cleanupOpts, outbox.WithCleanupServiceDedup(pruner, cfg.Retention.Dedup))
	}

	return []outbox.Worker{
		outbox.NewDrainWorker("event_processor", rc.Interval, logger, func(ctx context.Context) (bool, error) {
			return carrier.ProcessEvents(ctx, processOpts...)
		}),
		outbox.NewBaseWorker("stuck_event_processor", rc.RecoverEvery, logger, func(ctx context.Context) error {
			return carrier.RecoverStuckEvents(ctx,
				outbox.WithStuckEventServiceBatchSize(rc.BatchSize),
				outbox.WithStuckEventServiceMaxAttempts(rc.MaxAttempts),
				outbox.WithStuckEventServiceBackoffStrategy(backoff),
			)
		}),
		outbox.NewBaseWorker("deadletter_reporter", rc.DeadLetterScan, logger, func(ctx context.Context) error {
			return carrier.ReportDeadLetters(ctx)
		}),
		outbox.NewBaseWorker("cleanup_processor", cfg.Retention.Interval, logger, func(ctx context.Context) error {
			return carrier.Cleanup(ctx, cleanupOpts...)
		}),
	}
}
