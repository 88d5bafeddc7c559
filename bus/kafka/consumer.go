package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4/bus"
)

const (
	DeadLetterSuffix = ".dlq"

	// HeaderRejectedBy names the group that dead-lettered a message.
	HeaderRejectedBy = "rejected_by"

	defaultPollTimeoutMs   = 100
	defaultRedeliveryDelay = 500 * time.Millisecond
)

type ConsumerOption func(*Consumer)

func WithConsumerProps(props kafka.ConfigMap) ConsumerOption {
	return func(c *Consumer) {
		for k, v := range props {
			c.props[k] = v
		}
	}
}

func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithRedeliveryDelay sets the pause before a nacked message is read again.
func WithRedeliveryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.redeliveryDelay = d
	}
}

// Consumer implements bus.Subscriber with one Kafka consumer per subscription.
// Rejected messages are forwarded to "<topic>.dlq" through dlq.
type Consumer struct {
	props           kafka.ConfigMap
	dlq             bus.Publisher
	logger          *zap.Logger
	redeliveryDelay time.Duration
}

func NewConsumer(brokers string, dlq bus.Publisher, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		props: kafka.ConfigMap{
			"bootstrap.servers":  brokers,
			"enable.auto.commit": false,
			"auto.offset.reset":  "earliest",
		},
		dlq:             dlq,
		logger:          zap.NewNop(),
		redeliveryDelay: defaultRedeliveryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

type offsetKey struct {
	partition int32
	offset    kafka.Offset
}

// Subscribe joins group on topic and handles messages one at a time. The
// offset is committed after Ack or a successful dead-letter forward; Nack
// seeks back to the message.
func (c *Consumer) Subscribe(ctx context.Context, topic, group string, h bus.Handler) error {
	if topic == "" {
		return bus.ErrTopicRequired
	}
	if group == "" {
		return bus.ErrGroupRequired
	}

	props := kafka.ConfigMap{"group.id": group}
	for k, v := range c.props {
		props[k] = v
	}
	consumer, err := kafka.NewConsumer(&props)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	defer consumer.Close()

	if err := consumer.SubscribeTopics([]string{topic}, nil); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.logger.Info("Subscribed", zap.String("topic", topic), zap.String("group", group))

	attempts := make(map[offsetKey]int)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch ev := consumer.Poll(defaultPollTimeoutMs).(type) {
		case *kafka.Message:
			if err := c.settle(ctx, consumer, topic, group, ev, attempts, h); err != nil {
				return err
			}
		case kafka.Error:
			if ev.IsFatal() {
				return fmt.Errorf("kafka consumer: %w", ev)
			}
			c.logger.Warn("Kafka consumer error", zap.Error(ev))
		}
	}
}

func (c *Consumer) settle(
	ctx context.Context,
	consumer *kafka.Consumer,
	topic, group string,
	m *kafka.Message,
	attempts map[offsetKey]int,
	h bus.Handler,
) error {
	key := offsetKey{partition: m.TopicPartition.Partition, offset: m.TopicPartition.Offset}
	msg := FromMessage(m)
	msg.DeliveryAttempt = attempts[key] + 1

	result := h(ctx, msg)
	if result == bus.Reject {
		if err := c.deadLetter(ctx, topic, group, msg); err != nil {
			c.logger.Error("Failed to dead-letter message, redelivering",
				zap.String("event_id", msg.ID),
				zap.Error(err))
			result = bus.Nack
		}
	}

	if result == bus.Nack {
		attempts[key] = msg.DeliveryAttempt
		if err := consumer.Seek(m.TopicPartition, 0); err != nil {
			return fmt.Errorf("seek back to %v: %w", m.TopicPartition, err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.redeliveryDelay):
		}
		return nil
	}

	delete(attempts, key)
	if _, err := consumer.CommitMessage(m); err != nil {
		c.logger.Warn("Failed to commit offset",
			zap.String("event_id", msg.ID),
			zap.Error(err))
	}
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, topic, group string, msg bus.Message) error {
	if c.dlq == nil {
		return fmt.Errorf("no dead-letter publisher for %s", topic)
	}
	dead := msg
	dead.Headers = make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		dead.Headers[k] = v
	}
	dead.Headers[HeaderRejectedBy] = group

	c.logger.Warn("Message dead-lettered",
		zap.String("topic", topic),
		zap.String("group", group),
		zap.String("event_id", msg.ID),
		zap.Int("attempt", msg.DeliveryAttempt))
	return c.dlq.Publish(context.WithoutCancel(ctx), topic+DeadLetterSuffix, dead)
}

// FromMessage converts a consumed Kafka message into a bus message.
func FromMessage(m *kafka.Message) bus.Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	msg := bus.FromHeaders(headers, m.Value)
	if msg.AggregateID == "" && len(m.Key) > 0 {
		msg.AggregateID = string(m.Key)
	}
	if msg.OccurredOn.IsZero() && !m.Timestamp.IsZero() {
		msg.OccurredOn = m.Timestamp.UTC()
	}
	msg.DeliveryAttempt = 1
	return msg
}
