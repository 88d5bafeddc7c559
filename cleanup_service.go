package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Cleanup deletes sent entries past their retention and, when configured,
// consumer dedup records past theirs. Pending and dead entries are never
// touched. Errors are logged so the worker keeps its schedule.
func (c *Carrier) Cleanup(ctx context.Context, opts ...CleanupServiceOption) error {
	options := &cleanupServiceOptions{
		sentRetention:  defaultSentRetention,
		dedupRetention: defaultDedupRetention,
	}
	for _, opt := range opts {
		opt(options)
	}

	start := time.Now()
	defer func() {
		c.metrics.RecordDuration("cleanup.duration", time.Since(start), nil)
	}()

	now := c.now().UTC()

	sentDeleted, err := c.store.DeleteSentEntries(ctx, now.Add(-options.sentRetention))
	if err != nil {
		c.logger.Error("Failed to clean up sent events", zap.Error(err))
		c.metrics.IncrementCounter("cleanup.sent_events.failed", nil)
	} else if sentDeleted > 0 {
		c.logger.Info("Cleaned up sent events", zap.Int64("count", sentDeleted))
		c.metrics.RecordGauge("cleanup.sent_events.deleted", float64(sentDeleted), nil)
	}

	if options.dedup != nil {
		dedupDeleted, err := options.dedup.Prune(ctx, now.Add(-options.dedupRetention))
		if err != nil {
			c.logger.Error("Failed to prune dedup records", zap.Error(err))
			c.metrics.IncrementCounter("cleanup.dedup.failed", nil)
		} else if dedupDeleted > 0 {
			c.logger.Info("Pruned dedup records", zap.Int64("count", dedupDeleted))
			c.metrics.RecordGauge("cleanup.dedup.deleted", float64(dedupDeleted), nil)
		}
	}

	c.metrics.IncrementCounter("cleanup.executed", nil)
	return nil
}
