package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4/storage"
)

// ErrEntryNotDead is returned by Requeue for an id that is not dead-lettered.
var ErrEntryNotDead = errors.New("outbox entry is not dead-lettered")

// DeadLetterService surfaces dead-lettered entries to operators and puts them
// back into the queue on request. Dead entries stay in the outbox table.
type DeadLetterService struct {
	store     storage.Store
	logger    *zap.Logger
	metrics   MetricsCollector
	batchSize int
	now       func() time.Time
}

func NewDeadLetterService(
	store storage.Store,
	logger *zap.Logger,
	metrics MetricsCollector,
	opts ...DeadLetterServiceOption,
) *DeadLetterService {
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	options := &deadLetterServiceOptions{batchSize: defaultDeadLetterReport}
	for _, opt := range opts {
		opt(options)
	}
	return &DeadLetterService{
		store:     store,
		logger:    logger,
		metrics:   metrics,
		batchSize: options.batchSize,
		now:       time.Now,
	}
}

// ReportDeadLetters exports outbox status counts and logs the oldest dead entries.
func (s *DeadLetterService) ReportDeadLetters(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("deadletter.report_duration", time.Since(start), nil)
	}()

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to count outbox entries: %w", err)
	}
	for _, status := range []storage.Status{storage.StatusPending, storage.StatusProcessing, storage.StatusSent, storage.StatusDead} {
		s.metrics.RecordGauge("outbox.entries", float64(counts[status]), map[string]string{"status": status.String()})
	}

	dead := counts[storage.StatusDead]
	if dead == 0 {
		return nil
	}

	entries, err := s.store.ListDeadLetters(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list dead-letter entries: %w", err)
	}

	s.logger.Warn("Outbox has dead-lettered entries", zap.Int64("count", dead))
	for _, entry := range entries {
		s.logger.Warn("Dead-lettered entry",
			zap.String("event_id", entry.ID),
			zap.String("event_type", entry.EventType),
			zap.String("aggregate_id", entry.AggregateID),
			zap.Int("attempt", entry.AttemptCount),
			zap.String("last_error", entry.LastError),
		)
	}
	return nil
}

// Requeue moves a dead-lettered entry back to pending with a fresh attempt budget.
func (s *DeadLetterService) Requeue(ctx context.Context, id string) error {
	err := s.store.Requeue(ctx, id, s.now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrEntryNotDead, id)
	}
	if err != nil {
		return err
	}
	s.metrics.IncrementCounter("deadletter.requeued", nil)
	s.logger.Info("Dead-lettered entry requeued", zap.String("event_id", id))
	return nil
}

//
// Carrier
//

func (c *Carrier) ReportDeadLetters(ctx context.Context, opts ...DeadLetterServiceOption) error {
	return c.deadLetters(opts...).ReportDeadLetters(ctx)
}

func (c *Carrier) Requeue(ctx context.Context, id string) error {
	return c.deadLetters().Requeue(ctx, id)
}

func (c *Carrier) deadLetters(opts ...DeadLetterServiceOption) *DeadLetterService {
	s := NewDeadLetterService(c.store, c.logger, c.metrics, opts...)
	s.now = c.now
	return s
}
