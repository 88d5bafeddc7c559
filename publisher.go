package outbox

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4/bus"
	"github.com/overtonx/outbox/v4/internal/apperr"
)

// NopPublisher is a publisher that does nothing. Useful for testing.
type NopPublisher struct{}

// NewNopPublisher creates a new NopPublisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

// Publish implements the Publisher interface.
func (p *NopPublisher) Publish(_ context.Context, _ EventRecord) error {
	return nil
}

// Close implements the Publisher interface.
func (p *NopPublisher) Close() error {
	return nil
}

// MessageBuilder converts a stored entry into a bus message.
type MessageBuilder func(record EventRecord) bus.Message

type BusPublisherOption func(*BusPublisher)

// WithBusDefaultTopic is used for entries stored without a topic.
func WithBusDefaultTopic(topic string) BusPublisherOption {
	return func(p *BusPublisher) {
		p.defaultTopic = topic
	}
}

func WithBusMessageBuilder(builder MessageBuilder) BusPublisherOption {
	return func(p *BusPublisher) {
		p.builder = builder
	}
}

func WithBusLogger(logger *zap.Logger) BusPublisherOption {
	return func(p *BusPublisher) {
		p.logger = logger
	}
}

// BusPublisher publishes outbox entries through a bus.Publisher.
// The entry id travels as the message id so consumers can deduplicate.
type BusPublisher struct {
	bus          bus.Publisher
	logger       *zap.Logger
	defaultTopic string
	builder      MessageBuilder
}

func NewBusPublisher(p bus.Publisher, opts ...BusPublisherOption) *BusPublisher {
	publisher := &BusPublisher{
		bus:          p,
		logger:       zap.NewNop(),
		defaultTopic: "outbox-events",
		builder:      buildBusMessage,
	}
	for _, opt := range opts {
		opt(publisher)
	}
	return publisher
}

// Publish sends the entry to its topic, falling back to the default topic.
func (p *BusPublisher) Publish(ctx context.Context, event EventRecord) error {
	topic := event.Topic
	if topic == "" {
		topic = p.defaultTopic
	}

	p.logger.Debug("Publishing event to bus",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.String("topic", topic),
	)

	if err := p.bus.Publish(ctx, topic, p.builder(event)); err != nil {
		return apperr.PublishTransient(fmt.Errorf("publish %s to %s: %w", event.ID, topic, err))
	}
	return nil
}

// Close closes the underlying bus when it owns a connection.
func (p *BusPublisher) Close() error {
	if closer, ok := p.bus.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// buildBusMessage is the default mapping from an entry to a bus message.
func buildBusMessage(event EventRecord) bus.Message {
	headers := make(map[string]string, len(event.Headers))
	for k, v := range event.Headers {
		headers[k] = v
	}
	return bus.Message{
		ID:            event.ID,
		Type:          event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		OccurredOn:    event.CreatedAt,
		Payload:       event.Payload,
		Headers:       headers,
	}
}
