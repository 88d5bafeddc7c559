package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig configures the circuit breaker around a publisher.
type BreakerConfig struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	MinRequests         uint32
	FailureRatio        float64
}

// DefaultBreakerConfig trips after 5 consecutive failures or a 50% failure
// ratio over at least 10 requests, and probes again after 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "outbox-publisher",
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		MinRequests:         10,
		FailureRatio:        0.5,
	}
}

// BreakerPublisher stops calling the broker while it is failing. The relay
// checks Available before claiming, so no attempts are spent during an outage.
type BreakerPublisher struct {
	next    Publisher
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics MetricsCollector
}

func NewBreakerPublisher(next Publisher, cfg BreakerConfig, logger *zap.Logger, metrics MetricsCollector) *BreakerPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}

	p := &BreakerPublisher{next: next, logger: logger, metrics: metrics}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Warn("Publisher circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			p.metrics.IncrementCounter("publisher.breaker_state_change", map[string]string{"to": to.String()})
		},
	})
	return p
}

func (p *BreakerPublisher) Publish(ctx context.Context, event EventRecord) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, event)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrPublisherUnavailable, err)
	}
	return err
}

// Available is false while the breaker is open.
func (p *BreakerPublisher) Available() bool {
	return p.breaker.State() != gobreaker.StateOpen
}

func (p *BreakerPublisher) Close() error {
	return p.next.Close()
}
