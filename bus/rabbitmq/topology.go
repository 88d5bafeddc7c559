package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange    = "outbox.events"
	DefaultDLXExchange = "outbox.dlx"

	exchangeKind = "topic"
)

// routingKey is "<topic>.<event type>", so a queue bound with "<topic>.#"
// receives every event of the topic.
func routingKey(topic, eventType string) string {
	if eventType == "" {
		return topic
	}
	return topic + "." + eventType
}

func bindingKey(topic string) string {
	return topic + ".#"
}

// QueueName is the durable queue of a consumer group on a topic.
func QueueName(topic, group string) string {
	return group + "." + topic
}

// DeadLetterQueueName receives what the group rejects.
func DeadLetterQueueName(topic, group string) string {
	return QueueName(topic, group) + ".dlq"
}

// declareExchanges declares the event exchange and the dead-letter exchange.
func declareExchanges(ch Channel, exchange, dlx string) error {
	if err := ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.ExchangeDeclare(dlx, exchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange %s: %w", dlx, err)
	}
	return nil
}

// RetryQueueName holds what the group nacked until the redelivery delay
// expires, then dead-letters it back to the group's queue.
func RetryQueueName(topic, group string) string {
	return QueueName(topic, group) + ".retry"
}

// declareGroupQueue declares the group's queue with its retry and dead-letter
// queues. Rejected messages are re-routed to the DLX under the queue name,
// which is also the only binding of the DLQ. The retry queue has no binding;
// it is published to through the default exchange.
func declareGroupQueue(ch Channel, exchange, dlx, topic, group string, redeliveryDelay time.Duration) (string, error) {
	queue := QueueName(topic, group)
	dlq := DeadLetterQueueName(topic, group)
	retry := RetryQueueName(topic, group)

	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare dlq %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, queue, dlx, false, nil); err != nil {
		return "", fmt.Errorf("bind dlq %s: %w", dlq, err)
	}

	if _, err := ch.QueueDeclare(retry, true, false, false, false, retryQueueArgs(queue, redeliveryDelay)); err != nil {
		return "", fmt.Errorf("declare retry queue %s: %w", retry, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": queue,
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, bindingKey(topic), exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind queue %s: %w", queue, err)
	}
	return queue, nil
}

func retryQueueArgs(queue string, delay time.Duration) amqp.Table {
	ttl := delay.Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}
	return amqp.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}
}
