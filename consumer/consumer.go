// Package consumer turns at-least-once deliveries into effectively-once side
// effects. Each message is handled in one unit of work that checks and
// records its event id in a dedup store alongside the handler's writes.
package consumer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4"
	"github.com/overtonx/outbox/v4/bus"
	"github.com/overtonx/outbox/v4/event"
	"github.com/overtonx/outbox/v4/internal/apperr"
	"github.com/overtonx/outbox/v4/storage"
)

// ErrAlreadyProcessed is returned by DedupStore.Record when the event id is
// already recorded for the consumer.
var ErrAlreadyProcessed = errors.New("event already processed")

// DedupStore remembers which event ids a consumer has handled. Both methods
// run in the unit of work carried by ctx.
type DedupStore interface {
	Seen(ctx context.Context, consumer, eventID string) (bool, error)
	Record(ctx context.Context, consumer, eventID string, at time.Time) error
}

// Cache is an optional fast path in front of the DedupStore. It is written
// only after a commit, so a hit always means the event was handled.
type Cache interface {
	Seen(ctx context.Context, consumer, eventID string) (bool, error)
	Mark(ctx context.Context, consumer, eventID string) error
}

// Handler performs the side effect for one event. Returning a poison error
// dead-letters the message; any other error redelivers it.
type Handler func(ctx context.Context, env event.Envelope, ev event.Event) error

// Registry maps event kinds to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Handle(kind string, h Handler) {
	r.handlers[kind] = h
}

// On registers fn for the kind of T.
func On[T event.Event](r *Registry, fn func(ctx context.Context, ev T) error) {
	var zero T
	r.Handle(zero.Kind(), func(ctx context.Context, _ event.Envelope, ev event.Event) error {
		typed, ok := ev.(T)
		if !ok {
			return apperr.Poison("unexpected event type for "+zero.Kind(), nil)
		}
		return fn(ctx, typed)
	})
}

func (r *Registry) lookup(kind string) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

type Option func(*IdempotentConsumer)

func WithLogger(logger *zap.Logger) Option {
	return func(c *IdempotentConsumer) {
		c.logger = logger
	}
}

func WithMetrics(metrics outbox.MetricsCollector) Option {
	return func(c *IdempotentConsumer) {
		c.metrics = metrics
	}
}

func WithCache(cache Cache) Option {
	return func(c *IdempotentConsumer) {
		c.cache = cache
	}
}

// WithMaxDeliveries rejects a failing message once it has been delivered n
// times. Zero leaves redelivery to the broker.
func WithMaxDeliveries(n int) Option {
	return func(c *IdempotentConsumer) {
		c.maxDeliveries = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *IdempotentConsumer) {
		c.now = now
	}
}

func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(c *IdempotentConsumer) {
		c.propagator = p
	}
}

type IdempotentConsumer struct {
	name          string
	uow           storage.UnitOfWork
	dedup         DedupStore
	registry      *Registry
	cache         Cache
	logger        *zap.Logger
	metrics       outbox.MetricsCollector
	maxDeliveries int
	now           func() time.Time
	propagator    propagation.TextMapPropagator
}

// New builds a consumer. name scopes the dedup records, so two consumers of
// the same event keep separate histories.
func New(name string, uow storage.UnitOfWork, dedup DedupStore, registry *Registry, opts ...Option) *IdempotentConsumer {
	c := &IdempotentConsumer{
		name:          name,
		uow:           uow,
		dedup:         dedup,
		registry:      registry,
		logger:        zap.NewNop(),
		metrics:       outbox.NewNopMetricsCollector(),
		maxDeliveries: 10,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = outbox.NewNopMetricsCollector()
	}
	return c
}

func (c *IdempotentConsumer) Name() string {
	return c.name
}

// OnMessage implements bus.Handler.
func (c *IdempotentConsumer) OnMessage(ctx context.Context, msg bus.Message) bus.Result {
	propagator := c.propagator
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	ctx = propagator.Extract(ctx, propagation.MapCarrier(msg.Headers))

	fields := []zap.Field{
		zap.String("consumer", c.name),
		zap.String("message_id", msg.ID),
		zap.String("event_type", msg.Type),
		zap.Int("delivery_attempt", msg.DeliveryAttempt),
	}

	env, err := event.Unmarshal(msg.Payload)
	if err != nil {
		return c.reject(apperr.Poison("undecodable envelope", err), fields)
	}

	handler, ok := c.registry.lookup(env.EventType)
	if !ok {
		c.logger.Debug("Ignoring unhandled event kind", fields...)
		c.metrics.IncrementCounter("consumer.ignored", map[string]string{"event_type": env.EventType})
		return bus.Ack
	}

	ev, err := env.Event()
	if err != nil {
		return c.reject(apperr.Poison("undecodable payload", err), fields)
	}

	if c.cache != nil {
		if seen, err := c.cache.Seen(ctx, c.name, env.EventID); err != nil {
			c.logger.Warn("Dedup cache lookup failed", append(fields, zap.Error(err))...)
		} else if seen {
			return c.duplicate(fields)
		}
	}

	err = c.uow.Do(ctx, func(ctx context.Context) error {
		seen, err := c.dedup.Seen(ctx, c.name, env.EventID)
		if err != nil {
			return err
		}
		if seen {
			return ErrAlreadyProcessed
		}
		if err := handler(ctx, env, ev); err != nil {
			return err
		}
		return c.dedup.Record(ctx, c.name, env.EventID, c.now().UTC())
	})

	switch {
	case err == nil:
		c.markCached(ctx, env.EventID, fields)
		c.metrics.IncrementCounter("consumer.processed", map[string]string{"event_type": env.EventType})
		c.logger.Debug("Event processed", fields...)
		return bus.Ack
	case errors.Is(err, ErrAlreadyProcessed):
		c.markCached(ctx, env.EventID, fields)
		return c.duplicate(fields)
	case apperr.IsPoison(err):
		return c.reject(err, fields)
	case c.maxDeliveries > 0 && msg.DeliveryAttempt >= c.maxDeliveries:
		c.logger.Error("Delivery limit reached", append(fields, zap.Error(err))...)
		return c.reject(err, fields)
	default:
		c.metrics.IncrementCounter("consumer.redelivered", map[string]string{"event_type": env.EventType})
		c.logger.Warn("Event handling failed, requesting redelivery", append(fields, zap.Error(err))...)
		return bus.Nack
	}
}

func (c *IdempotentConsumer) duplicate(fields []zap.Field) bus.Result {
	c.metrics.IncrementCounter("consumer.duplicate", nil)
	c.logger.Debug("Duplicate delivery acknowledged", fields...)
	return bus.Ack
}

func (c *IdempotentConsumer) reject(err error, fields []zap.Field) bus.Result {
	c.metrics.IncrementCounter("consumer.rejected", nil)
	c.logger.Error("Message rejected", append(fields, zap.Error(err))...)
	return bus.Reject
}

func (c *IdempotentConsumer) markCached(ctx context.Context, eventID string, fields []zap.Field) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Mark(context.WithoutCancel(ctx), c.name, eventID); err != nil {
		c.logger.Warn("Dedup cache update failed", append(fields, zap.Error(err))...)
	}
}
