package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4/storage"
)

const expiredLeaseError = "lease expired before the publish outcome was recorded"

// RecoverStuckEvents finds entries whose lease expired while "processing" and
// returns them to pending with backoff, or dead-letters them when the attempt
// budget is spent.
func (c *Carrier) RecoverStuckEvents(ctx context.Context, opts ...StuckEventServiceOption) error {
	options := &stuckEventServiceOptions{
		batchSize:       defaultBatchSize,
		maxAttempts:     defaultMaxAttempts,
		backoffStrategy: DefaultBackoffStrategy(),
	}
	for _, opt := range opts {
		opt(options)
	}

	start := time.Now()
	defer func() {
		c.metrics.RecordDuration("stuck_events.recovery.duration", time.Since(start), nil)
	}()

	now := c.now().UTC()
	events, err := c.store.FetchExpiredClaims(ctx, now, options.batchSize)
	if err != nil {
		return fmt.Errorf("failed to query stuck events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	recoveredCount := 0
	for _, event := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if event.AttemptCount >= options.maxAttempts {
			err = c.store.MarkDead(ctx, event.Claim(), expiredLeaseError, now)
			if err == nil {
				c.metrics.IncrementCounter("stuck_events.marked_as_dead", nil)
			}
		} else {
			nextAttemptAt := now.Add(options.backoffStrategy.NextDelay(event.AttemptCount))
			err = c.store.MarkRetry(ctx, event.Claim(), nextAttemptAt, expiredLeaseError, now)
			if err == nil {
				c.metrics.IncrementCounter("stuck_events.marked_as_retry", nil)
			}
		}

		switch {
		case err == nil:
			recoveredCount++
		case errors.Is(err, storage.ErrLeaseLost):
			// The original owner finished meanwhile.
		default:
			c.logger.Error("Failed to recover stuck event", zap.String("event_id", event.ID), zap.Error(err))
		}
	}

	c.logger.Info("Stuck event recovery completed",
		zap.Int("found", len(events)),
		zap.Int("recovered_count", recoveredCount),
	)
	c.metrics.RecordGauge("stuck_events.recovered_batch_size", float64(recoveredCount), nil)

	return nil
}
