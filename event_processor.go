package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4/storage"
)

// ErrPublisherUnavailable is returned by a publisher that refuses work without
// contacting the broker, e.g. while its circuit breaker is open.
var ErrPublisherUnavailable = errors.New("publisher unavailable")

// availability is implemented by publishers that can report an outage up front.
type availability interface {
	Available() bool
}

// EventProcessor is the outbox relay: it leases pending entries, publishes
// them and records the outcome.
type EventProcessor struct {
	store     storage.Store
	publisher Publisher
	logger    *zap.Logger
	metrics   MetricsCollector
	opts      *eventProcessorOptions
}

func NewEventProcessor(
	store storage.Store,
	publisher Publisher,
	logger *zap.Logger,
	metrics MetricsCollector,
	opts ...EventProcessorOption,
) *EventProcessor {
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = NewNopPublisher()
	}
	options := defaultEventProcessorOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.owner == "" {
		options.owner = defaultOwner()
	}
	return &EventProcessor{
		store:     store,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		opts:      options,
	}
}

// ProcessEvents claims one batch and publishes it. busy is true when the batch
// was full and more entries are likely waiting.
func (p *EventProcessor) ProcessEvents(ctx context.Context) (busy bool, err error) {
	if gate, ok := p.publisher.(availability); ok && !gate.Available() {
		p.logger.Debug("Publisher unavailable, skipping relay tick")
		p.metrics.IncrementCounter("event_processor.paused", nil)
		return false, nil
	}

	start := time.Now()
	events, err := p.store.ClaimBatch(ctx, storage.ClaimRequest{
		Owner:          p.opts.owner,
		Limit:          p.opts.batchSize,
		Now:            p.opts.now().UTC(),
		LeaseTTL:       p.opts.leaseTTL,
		PartitionCount: p.opts.partitionCount,
		PartitionIndex: p.opts.partitionIndex,
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim events: %w", err)
	}
	p.metrics.RecordDuration("event_processor.claim_duration", time.Since(start), nil)

	if len(events) == 0 {
		return false, nil
	}

	p.logger.Debug("Claimed events for processing", zap.Int("count", len(events)))
	p.metrics.RecordGauge("event_processor.batch_size", float64(len(events)), nil)

	processed, failed := p.processBatch(ctx, events)

	p.logger.Info("Batch processing completed",
		zap.Int("processed", processed),
		zap.Int("failed", failed))
	p.metrics.RecordDuration("event_processor.duration", time.Since(start), nil)

	return len(events) >= p.opts.batchSize && failed == 0, nil
}

func (p *EventProcessor) processBatch(ctx context.Context, events []storage.EntryRecord) (processed, failed int) {
	for i, event := range events {
		if ctx.Err() != nil {
			p.logger.Warn("Context cancelled during batch processing", zap.Error(ctx.Err()))
			p.releaseAll(ctx, events[i:])
			failed += len(events) - i
			return
		}

		err := p.processSingleEvent(ctx, event)
		switch {
		case err == nil:
			processed++
		case errors.Is(err, ErrPublisherUnavailable):
			p.logger.Warn("Publisher became unavailable, releasing remaining claims",
				zap.Int("released", len(events)-i))
			p.releaseAll(ctx, events[i:])
			failed += len(events) - i
			return
		default:
			failed++
			p.logger.Error("Failed to process event",
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}
	return
}

func (p *EventProcessor) processSingleEvent(ctx context.Context, event storage.EntryRecord) error {
	eventFields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.String("aggregate_id", event.AggregateID),
		zap.Int("attempt", event.AttemptCount),
	}
	tags := map[string]string{"event_type": event.EventType}

	p.logger.Debug("Publishing event", eventFields...)

	if err := p.publisher.Publish(ctx, event); err != nil {
		if errors.Is(err, ErrPublisherUnavailable) {
			return err
		}
		if ctx.Err() != nil {
			// Shutdown interrupted the publish; give the attempt back.
			p.release(ctx, event)
			return err
		}
		p.metrics.IncrementCounter("event_processor.publish_failed", tags)
		p.logger.Warn("Failed to publish event", append(eventFields, zap.Error(err))...)
		return p.rescheduleEvent(ctx, event, err)
	}

	if err := p.store.MarkSent(context.WithoutCancel(ctx), event.Claim(), p.opts.now().UTC()); err != nil {
		if errors.Is(err, storage.ErrLeaseLost) {
			// Another instance owns the entry now and will publish it again.
			p.metrics.IncrementCounter("event_processor.lease_lost", tags)
			p.logger.Warn("Lease lost before marking event as sent", eventFields...)
			return err
		}
		p.metrics.IncrementCounter("event_processor.mark_sent_failed", tags)
		p.logger.Error("Failed to mark event as sent", append(eventFields, zap.Error(err))...)
		return err
	}

	p.metrics.IncrementCounter("event_processor.publish_success", tags)
	p.logger.Debug("Event published successfully", eventFields...)
	return nil
}

func (p *EventProcessor) rescheduleEvent(ctx context.Context, event storage.EntryRecord, processingError error) error {
	ctx = context.WithoutCancel(ctx)
	now := p.opts.now().UTC()
	tags := map[string]string{"event_type": event.EventType}

	if event.AttemptCount >= p.opts.maxAttempts || p.opts.classifier.IsNonRetryable(processingError) {
		p.logger.Error("Event moved to dead letter",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.EventType),
			zap.Int("attempt", event.AttemptCount),
			zap.Error(processingError),
		)
		p.metrics.IncrementCounter("event_processor.dead_lettered", tags)
		if err := p.store.MarkDead(ctx, event.Claim(), processingError.Error(), now); err != nil {
			return fmt.Errorf("failed to dead-letter event %s: %w", event.ID, err)
		}
		return processingError
	}

	nextAttemptAt := now.Add(p.opts.backoffStrategy.NextDelay(event.AttemptCount))
	p.logger.Info("Scheduling event for retry",
		zap.String("event_id", event.ID),
		zap.Int("attempt", event.AttemptCount),
		zap.Time("next_attempt_at", nextAttemptAt),
		zap.Error(processingError),
	)
	p.metrics.IncrementCounter("event_processor.retry_scheduled", tags)

	if err := p.store.MarkRetry(ctx, event.Claim(), nextAttemptAt, processingError.Error(), now); err != nil {
		return fmt.Errorf("failed to reschedule event %s: %w", event.ID, err)
	}
	return processingError
}

func (p *EventProcessor) releaseAll(ctx context.Context, events []storage.EntryRecord) {
	for _, event := range events {
		p.release(ctx, event)
	}
}

func (p *EventProcessor) release(ctx context.Context, event storage.EntryRecord) {
	err := p.store.ReleaseClaim(context.WithoutCancel(ctx), event.Claim(), p.opts.now().UTC())
	if err != nil && !errors.Is(err, storage.ErrLeaseLost) {
		p.logger.Error("Failed to release claim", zap.String("event_id", event.ID), zap.Error(err))
	}
}

//
// Carrier
//

// ProcessEvents runs one relay pass with the carrier's store and publisher.
func (c *Carrier) ProcessEvents(ctx context.Context, opts ...EventProcessorOption) (bool, error) {
	base := []EventProcessorOption{
		WithEventProcessorOwner(c.owner),
		withEventProcessorClock(c.now),
	}
	return NewEventProcessor(c.store, c.publisher, c.logger, c.metrics, append(base, opts...)...).ProcessEvents(ctx)
}
