package outbox

import (
	"context"
	"time"
)

// Publisher hands a claimed outbox entry to the message bus. A nil error means
// the broker acknowledged the message.
type Publisher interface {
	Publish(ctx context.Context, event EventRecord) error
	Close() error
}

// BackoffStrategy returns how long to wait before the next attempt after
// attempt failed attempts.
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// RetryClassifier determines whether a publish error should not be retried.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}
	return fn(err)
}

type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

// Worker is a long-running unit supervised by the Dispatcher.
type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}

// DedupPruner deletes consumer dedup records older than a cutoff.
type DedupPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}
