// Package kafka implements the bus over Kafka with confluent-kafka-go. Topics
// map one to one, the aggregate id is the message key and consumer groups
// commit offsets only after a message is settled.
package kafka

import (
	"context"
	"fmt"
	"sort"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4/bus"
)

// HeaderBuilder maps a bus message onto Kafka headers.
type HeaderBuilder func(msg bus.Message) []kafka.Header

type ProducerOption func(*Producer)

func WithProducerProps(props kafka.ConfigMap) ProducerOption {
	return func(p *Producer) {
		for k, v := range props {
			p.props[k] = v
		}
	}
}

func WithHeaderBuilder(builder HeaderBuilder) ProducerOption {
	return func(p *Producer) {
		p.headerBuilder = builder
	}
}

func WithProducerLogger(logger *zap.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// WithFlushTimeout bounds how long Close waits for in-flight messages, in milliseconds.
func WithFlushTimeout(ms int) ProducerOption {
	return func(p *Producer) {
		p.flushTimeoutMs = ms
	}
}

// Producer implements bus.Publisher. Publish returns once the broker has
// acknowledged the message on all in-sync replicas.
type Producer struct {
	logger         *zap.Logger
	producer       *kafka.Producer
	props          kafka.ConfigMap
	headerBuilder  HeaderBuilder
	flushTimeoutMs int
}

func NewProducer(brokers string, opts ...ProducerOption) (*Producer, error) {
	p := &Producer{
		logger: zap.NewNop(),
		props: kafka.ConfigMap{
			"bootstrap.servers":  brokers,
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		headerBuilder:  BuildHeaders,
		flushTimeoutMs: 15 * 1000,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.headerBuilder == nil {
		p.headerBuilder = BuildHeaders
	}

	producer, err := kafka.NewProducer(&p.props)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	p.producer = producer

	go p.handleEvents()

	return p, nil
}

func (p *Producer) Publish(ctx context.Context, topic string, msg bus.Message) error {
	if err := bus.Validate(topic, msg); err != nil {
		return err
	}

	p.logger.Debug("Publishing event to Kafka",
		zap.String("event_id", msg.ID),
		zap.String("event_type", msg.Type),
		zap.String("topic", topic),
	)

	delivery := make(chan kafka.Event, 1)
	if err := p.producer.Produce(p.message(topic, msg), delivery); err != nil {
		return fmt.Errorf("produce %s: %w", msg.ID, err)
	}

	select {
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("%w: unexpected delivery event %v", bus.ErrNotConfirmed, e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("%w: %v", bus.ErrNotConfirmed, m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Producer) message(topic string, msg bus.Message) *kafka.Message {
	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}
	m := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          msg.Payload,
		Headers:        p.headerBuilder(msg),
	}
	if !msg.OccurredOn.IsZero() {
		m.Timestamp = msg.OccurredOn
	}
	return m
}

// Close flushes the producer and closes the Kafka connection.
func (p *Producer) Close() error {
	p.logger.Info("Closing kafka producer")
	if left := p.producer.Flush(p.flushTimeoutMs); left > 0 {
		p.logger.Warn("Kafka producer closed with undelivered messages", zap.Int("count", left))
	}
	p.producer.Close()
	return nil
}

// handleEvents logs client-level errors. Delivery reports go to the
// per-message channel.
func (p *Producer) handleEvents() {
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				p.logger.Error("Delivery failed",
					zap.String("topic", topicName(ev.TopicPartition)),
					zap.Error(ev.TopicPartition.Error),
				)
			}
		case kafka.Error:
			p.logger.Error("Kafka error", zap.Error(ev))
		}
	}
}

// BuildHeaders is the default HeaderBuilder: identity headers plus the
// message's own, sorted by key.
func BuildHeaders(msg bus.Message) []kafka.Header {
	std := bus.StandardHeaders(msg)
	keys := make([]string, 0, len(std))
	for k := range std {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	headers := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(std[k])})
	}
	return headers
}

func topicName(tp kafka.TopicPartition) string {
	if tp.Topic == nil {
		return ""
	}
	return *tp.Topic
}
