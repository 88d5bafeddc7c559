// Package rabbitmq implements the bus over RabbitMQ: one durable topic
// exchange, a durable queue per consumer group, publisher confirms, and
// per-queue retry and dead-letter queues.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4/bus"
)

const (
	DefaultConfirmTimeout  = 5 * time.Second
	DefaultPrefetch        = 16
	DefaultRedeliveryDelay = 500 * time.Millisecond

	// headerAttempt carries the delivery attempt across republished redeliveries.
	headerAttempt = "x-outbox-attempt"

	confirmBuffer = 256
)

var ErrDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

// Channel is the subset of *amqp.Channel the bus uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// ChannelOpener opens a fresh channel on a shared connection.
type ChannelOpener func() (Channel, error)

// Dial connects to the broker and returns an opener over the connection.
func Dial(url string) (ChannelOpener, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	open := func() (Channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	return open, conn.Close, nil
}

type Option func(*Bus)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

func WithExchange(exchange, dlx string) Option {
	return func(b *Bus) {
		if exchange != "" {
			b.exchange = exchange
		}
		if dlx != "" {
			b.dlx = dlx
		}
	}
}

func WithConfirmTimeout(timeout time.Duration) Option {
	return func(b *Bus) {
		if timeout > 0 {
			b.confirmTimeout = timeout
		}
	}
}

func WithPrefetch(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.prefetch = n
		}
	}
}

// WithRedeliveryDelay sets how long a nacked message waits in the retry queue.
func WithRedeliveryDelay(delay time.Duration) Option {
	return func(b *Bus) {
		if delay > 0 {
			b.redeliveryDelay = delay
		}
	}
}

// WithCloser sets what Close releases after the publish channel, usually the connection.
func WithCloser(closer func() error) Option {
	return func(b *Bus) {
		b.closer = closer
	}
}

// Bus implements bus.Publisher and bus.Subscriber. Publishes are serialized on
// one confirm-mode channel; every subscription gets its own channel.
type Bus struct {
	open           ChannelOpener
	logger         *zap.Logger
	exchange       string
	dlx            string
	confirmTimeout time.Duration
	prefetch       int
	closer         func() error

	redeliveryDelay time.Duration

	publishMu sync.Mutex
	mu        sync.Mutex
	pubCh     Channel
	confirms  chan amqp.Confirmation
	chClosed  chan *amqp.Error
	closed    bool
}

func New(open ChannelOpener, opts ...Option) (*Bus, error) {
	if open == nil {
		return nil, errors.New("rabbitmq channel opener is required")
	}
	b := &Bus{
		open:           open,
		logger:         zap.NewNop(),
		exchange:       DefaultExchange,
		dlx:            DefaultDLXExchange,
		confirmTimeout: DefaultConfirmTimeout,
		prefetch:       DefaultPrefetch,

		redeliveryDelay: DefaultRedeliveryDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b, nil
}

// Publish sends msg and waits for the broker confirm. A nack, a timeout or a
// closed channel all fail the publish; the relay retries it later.
func (b *Bus) Publish(ctx context.Context, topic string, msg bus.Message) error {
	if err := bus.Validate(topic, msg); err != nil {
		return err
	}

	if err := b.publishConfirmed(ctx, b.exchange, routingKey(topic, msg.Type), toPublishing(msg)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.ID, err)
	}
	return nil
}

func (b *Bus) publishConfirmed(ctx context.Context, exchange, key string, p amqp.Publishing) error {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	ch, confirms, closedCh, err := b.publishChannel()
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, exchange, key, false, false, p); err != nil {
		b.resetPublishChannel(ch)
		return err
	}

	if err := waitForConfirm(ctx, confirms, closedCh, b.confirmTimeout); err != nil {
		// A confirm may still arrive and would be read as the next message's.
		b.resetPublishChannel(ch)
		return err
	}
	return nil
}

func (b *Bus) publishChannel() (Channel, chan amqp.Confirmation, chan *amqp.Error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, nil, bus.ErrClosed
	}
	if b.pubCh != nil {
		return b.pubCh, b.confirms, b.chClosed, nil
	}

	ch, err := b.open()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := declareExchanges(ch, b.exchange, b.dlx); err != nil {
		_ = ch.Close()
		return nil, nil, nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, nil, nil, fmt.Errorf("enable confirms: %w", err)
	}

	b.pubCh = ch
	b.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	b.chClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return b.pubCh, b.confirms, b.chClosed, nil
}

func (b *Bus) resetPublishChannel(ch Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh != ch {
		return
	}
	_ = ch.Close()
	b.pubCh = nil
	b.confirms = nil
	b.chClosed = nil
}

func waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, closedCh <-chan *amqp.Error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return bus.ErrClosed
		}
		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", bus.ErrNotConfirmed, confirmed.DeliveryTag)
		}
		return nil
	case amqpErr := <-closedCh:
		if amqpErr != nil {
			return fmt.Errorf("channel closed: %w", amqpErr)
		}
		return bus.ErrClosed
	case <-timer.C:
		return fmt.Errorf("%w: confirm timed out after %s", bus.ErrNotConfirmed, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bind declares the group's queue ahead of its first subscription so messages
// published meanwhile are kept.
func (b *Bus) Bind(topic, group string) error {
	if topic == "" {
		return bus.ErrTopicRequired
	}
	if group == "" {
		return bus.ErrGroupRequired
	}

	ch, err := b.open()
	if err != nil {
		return fmt.Errorf("open admin channel: %w", err)
	}
	defer ch.Close()

	if err := declareExchanges(ch, b.exchange, b.dlx); err != nil {
		return err
	}
	_, err = declareGroupQueue(ch, b.exchange, b.dlx, topic, group, b.redeliveryDelay)
	return err
}

// Subscribe consumes the group's queue with manual acknowledgements until ctx
// is done or the channel closes. Nack parks the message in the retry queue
// with the attempt counter raised, and the broker returns it to the group's
// queue after the redelivery delay; Reject dead-letters it.
func (b *Bus) Subscribe(ctx context.Context, topic, group string, h bus.Handler) error {
	if topic == "" {
		return bus.ErrTopicRequired
	}
	if group == "" {
		return bus.ErrGroupRequired
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}

	ch, err := b.open()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	if err := declareExchanges(ch, b.exchange, b.dlx); err != nil {
		return err
	}
	queue, err := declareGroupQueue(ch, b.exchange, b.dlx, topic, group, b.redeliveryDelay)
	if err != nil {
		return err
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	b.logger.Info("Subscribed", zap.String("queue", queue))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrDeliveriesClosed
			}
			if err := b.dispatch(ctx, topic, group, d, h); err != nil {
				return err
			}
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, topic, group string, d amqp.Delivery, h bus.Handler) error {
	msg := fromDelivery(d)
	queue := QueueName(topic, group)

	switch h(ctx, msg) {
	case bus.Ack:
		return d.Ack(false)
	case bus.Reject:
		b.logger.Warn("Message dead-lettered",
			zap.String("queue", queue),
			zap.String("event_id", msg.ID),
			zap.Int("attempt", msg.DeliveryAttempt))
		return d.Reject(false)
	default:
		retry := toPublishing(msg)
		retry.Headers[headerAttempt] = int64(msg.DeliveryAttempt + 1)
		// The default exchange routes by queue name, so other groups do not see the retry.
		// The delivery is acked only once the broker has confirmed the copy.
		err := b.publishConfirmed(context.WithoutCancel(ctx), "", RetryQueueName(topic, group), retry)
		if err != nil {
			b.logger.Error("Failed to park message for redelivery",
				zap.String("queue", queue),
				zap.String("event_id", msg.ID),
				zap.Error(err))
			return d.Nack(false, true)
		}
		return d.Ack(false)
	}
}

// Close closes the publish channel and then the connection.
func (b *Bus) Close() error {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ch := b.pubCh
	b.pubCh = nil
	b.mu.Unlock()

	var errs []error
	if ch != nil {
		errs = append(errs, ch.Close())
	}
	if b.closer != nil {
		errs = append(errs, b.closer())
	}
	return errors.Join(errs...)
}

func toPublishing(msg bus.Message) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range bus.StandardHeaders(msg) {
		headers[k] = v
	}
	p := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Type,
		Body:         msg.Payload,
	}
	if !msg.OccurredOn.IsZero() {
		p.Timestamp = msg.OccurredOn.UTC()
	}
	return p
}

func fromDelivery(d amqp.Delivery) bus.Message {
	headers := make(map[string]string, len(d.Headers))
	attempt := 1
	for k, v := range d.Headers {
		if k == headerAttempt {
			attempt = attemptFrom(v)
			continue
		}
		if isDeathHeader(k) {
			continue
		}
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}

	msg := bus.FromHeaders(headers, d.Body)
	if msg.ID == "" {
		msg.ID = d.MessageId
	}
	if msg.Type == "" {
		msg.Type = d.Type
	}
	if msg.OccurredOn.IsZero() && !d.Timestamp.IsZero() {
		msg.OccurredOn = d.Timestamp.UTC()
	}
	if attempt == 1 && d.Redelivered {
		// The broker requeued it after a lost channel.
		attempt = 2
	}
	msg.DeliveryAttempt = attempt
	return msg
}

// isDeathHeader matches the bookkeeping the broker adds when the retry queue
// dead-letters a message back.
func isDeathHeader(k string) bool {
	return k == "x-death" || strings.HasPrefix(k, "x-first-death-") || strings.HasPrefix(k, "x-last-death-")
}

func attemptFrom(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return 1
}
