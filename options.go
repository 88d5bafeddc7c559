package outbox

import (
	"time"

	"go.uber.org/zap"
)

const (
	defaultBatchSize        = 100
	defaultMaxAttempts      = 10
	defaultLeaseTTL         = 2 * time.Minute
	defaultBaseDelay        = 1 * time.Second
	defaultMaxDelay         = 5 * time.Minute
	defaultSentRetention    = 7 * 24 * time.Hour
	defaultDedupRetention   = 14 * 24 * time.Hour
	defaultDeadLetterReport = 20
)

//
// Carrier Options
//

type CarrierOption func(*Carrier)

func WithLogger(logger *zap.Logger) CarrierOption {
	return func(c *Carrier) {
		c.logger = logger
	}
}

func WithMetrics(metrics MetricsCollector) CarrierOption {
	return func(c *Carrier) {
		c.metrics = metrics
	}
}

func WithPublisher(publisher Publisher) CarrierOption {
	return func(c *Carrier) {
		c.publisher = publisher
	}
}

// WithOwner names this relay instance in claims. Defaults to host name plus a random suffix.
func WithOwner(owner string) CarrierOption {
	return func(c *Carrier) {
		c.owner = owner
	}
}

func WithClock(now func() time.Time) CarrierOption {
	return func(c *Carrier) {
		c.now = now
	}
}

//
// EventProcessor Options
//

type EventProcessorOption func(*eventProcessorOptions)

type eventProcessorOptions struct {
	batchSize       int
	maxAttempts     int
	leaseTTL        time.Duration
	backoffStrategy BackoffStrategy
	classifier      RetryClassifier
	owner           string
	partitionCount  int
	partitionIndex  int
	now             func() time.Time
}

func defaultEventProcessorOptions() *eventProcessorOptions {
	return &eventProcessorOptions{
		batchSize:       defaultBatchSize,
		maxAttempts:     defaultMaxAttempts,
		leaseTTL:        defaultLeaseTTL,
		backoffStrategy: DefaultBackoffStrategy(),
		classifier:      RetryClassifierFunc(nil),
		now:             time.Now,
	}
}

func WithEventProcessorBatchSize(size int) EventProcessorOption {
	return func(o *eventProcessorOptions) {
		o.batchSize = size
	}
}

func WithEventProcessorMaxAttempts(attempts int) EventProcessorOption {
	return func(o *eventProcessorOptions) {
		o.maxAttempts = attempts
	}
}

func WithEventProcessorLeaseTTL(ttl time.Duration) EventProcessorOption {
	return func(o *eventProcessorOptions) {
		o.leaseTTL = ttl
	}
}

func WithEventProcessorBackoffStrategy(strategy BackoffStrategy) EventProcessorOption {
	return func(o *eventProcessorOptions) {
		o.backoffStrategy = strategy
	}
}

// WithEventProcessorRetryClassifier marks publish errors that go straight to dead-letter.
func WithEventProcessorRetryClassifier(classifier RetryClassifier) EventProcessorOption {
	return func(o *eventProcessorOptions) {
		o.classifier = classifier
	}
}

func WithEventProcessorOwner(owner string) EventProcessorOption {
	return func(o *eventProcessorOptions) {
		o.owner = owner
	}
}

// WithEventProcessorPartition limits the processor to shard % count == index.
func WithEventProcessorPartition(count, index int) EventProcessorOption {
	return func(o *eventProcessorOptions) {
		o.partitionCount = count
		o.partitionIndex = index
	}
}

func withEventProcessorClock(now func() time.Time) EventProcessorOption {
	return func(o *eventProcessorOptions) {
		o.now = now
	}
}

//
// DeadLetterService Options
//

type DeadLetterServiceOption func(*deadLetterServiceOptions)

type deadLetterServiceOptions struct {
	batchSize int
}

func WithDeadLetterServiceBatchSize(size int) DeadLetterServiceOption {
	return func(o *deadLetterServiceOptions) {
		o.batchSize = size
	}
}

//
// StuckEventService Options
//

type StuckEventServiceOption func(*stuckEventServiceOptions)

type stuckEventServiceOptions struct {
	batchSize       int
	maxAttempts     int
	backoffStrategy BackoffStrategy
}

func WithStuckEventServiceBatchSize(size int) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		o.batchSize = size
	}
}

func WithStuckEventServiceMaxAttempts(attempts int) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		o.maxAttempts = attempts
	}
}

func WithStuckEventServiceBackoffStrategy(strategy BackoffStrategy) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		o.backoffStrategy = strategy
	}
}

//
// CleanupService Options
//

type CleanupServiceOption func(*cleanupServiceOptions)

type cleanupServiceOptions struct {
	sentRetention  time.Duration
	dedupRetention time.Duration
	dedup          DedupPruner
}

func WithCleanupServiceSentRetention(retention time.Duration) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.sentRetention = retention
	}
}

// WithCleanupServiceDedup also prunes consumer dedup records older than retention.
func WithCleanupServiceDedup(pruner DedupPruner, retention time.Duration) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.dedup = pruner
		o.dedupRetention = retention
	}
}
