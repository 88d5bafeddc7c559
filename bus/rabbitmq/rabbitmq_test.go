package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/outbox/v4/bus"
)

type publishedMsg struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	queues     map[string]amqp.Table
	bindings   []string
	published  []publishedMsg
	confirms   chan amqp.Confirmation
	confirmOn  bool
	nack       bool
	silent     bool
	deliveries chan amqp.Delivery
	prefetch   int
	closed     bool
	tag        uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{queues: map[string]amqp.Table{}, deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, name)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, name+" <- "+exchange+"/"+key)
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Confirm(bool) error {
	f.confirmOn = true
	return nil
}

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return c
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{exchange: exchange, key: key, msg: msg})
	if f.confirmOn && !f.silent {
		f.tag++
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: !f.nack}
	}
	return nil
}

func (f *fakeChannel) ConsumeWithContext(context.Context, string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type opener struct {
	channels []*fakeChannel
	opened   int
}

func (o *opener) open() (Channel, error) {
	if o.opened >= len(o.channels) {
		return nil, errors.New("no more channels")
	}
	ch := o.channels[o.opened]
	o.opened++
	return ch, nil
}

type acks struct {
	mu       sync.Mutex
	acked    []uint64
	nacked   []uint64
	requeued []uint64
	rejected []uint64
}

func (a *acks) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *acks) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	if requeue {
		a.requeued = append(a.requeued, tag)
	}
	return nil
}

func (a *acks) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !requeue {
		a.rejected = append(a.rejected, tag)
	}
	return nil
}

func deliver(ch *fakeChannel, ack *acks, ids ...string) {
	for i, id := range ids {
		p := toPublishing(testMessage(id))
		ch.deliveries <- amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  uint64(i + 1),
			Headers:      p.Headers,
			MessageId:    p.MessageId,
			Type:         p.Type,
			Body:         p.Body,
		}
	}
	close(ch.deliveries)
}

func testMessage(id string) bus.Message {
	return bus.Message{
		ID:          id,
		Type:        "OrderCreatedEvent",
		AggregateID: "order-1",
		OccurredOn:  time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Payload:     []byte(`{"eventId":"` + id + `"}`),
		Headers:     map[string]string{"traceparent": "00-abc-def-01"},
	}
}

func TestPublish_WaitsForConfirm(t *testing.T) {
	ch := newFakeChannel()
	o := &opener{channels: []*fakeChannel{ch}}
	b, err := New(o.open)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "orders.events", testMessage("evt-1")))
	require.NoError(t, b.Publish(context.Background(), "orders.events", testMessage("evt-2")))

	assert.Equal(t, 1, o.opened, "publish channel is reused")
	assert.True(t, ch.confirmOn)
	assert.Equal(t, []string{DefaultExchange, DefaultDLXExchange}, ch.exchanges)

	require.Len(t, ch.published, 2)
	p := ch.published[0]
	assert.Equal(t, DefaultExchange, p.exchange)
	assert.Equal(t, "orders.events.OrderCreatedEvent", p.key)
	assert.Equal(t, "evt-1", p.msg.MessageId)
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)
	assert.Equal(t, "evt-1", p.msg.Headers[bus.HeaderEventID])
	assert.Equal(t, "00-abc-def-01", p.msg.Headers["traceparent"])
}

func TestPublish_NackFailsAndResetsChannel(t *testing.T) {
	first := newFakeChannel()
	first.nack = true
	second := newFakeChannel()
	o := &opener{channels: []*fakeChannel{first, second}}
	b, err := New(o.open)
	require.NoError(t, err)

	err = b.Publish(context.Background(), "orders.events", testMessage("evt-1"))
	assert.ErrorIs(t, err, bus.ErrNotConfirmed)
	assert.True(t, first.closed)

	require.NoError(t, b.Publish(context.Background(), "orders.events", testMessage("evt-1")))
	assert.Equal(t, 2, o.opened)
}

func TestPublish_ConfirmTimeout(t *testing.T) {
	ch := newFakeChannel()
	ch.silent = true
	b, err := New((&opener{channels: []*fakeChannel{ch}}).open, WithConfirmTimeout(10*time.Millisecond))
	require.NoError(t, err)

	err = b.Publish(context.Background(), "orders.events", testMessage("evt-1"))
	assert.ErrorIs(t, err, bus.ErrNotConfirmed)
}

func TestPublish_RequiresTopicAndID(t *testing.T) {
	b, err := New((&opener{}).open)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Publish(context.Background(), "", testMessage("evt-1")), bus.ErrTopicRequired)
	assert.ErrorIs(t, b.Publish(context.Background(), "orders.events", bus.Message{}), bus.ErrMessageIDNeeded)
}

func TestPublish_AfterClose(t *testing.T) {
	var closed bool
	b, err := New((&opener{channels: []*fakeChannel{newFakeChannel()}}).open,
		WithCloser(func() error { closed = true; return nil }))
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.True(t, closed)
	assert.ErrorIs(t, b.Publish(context.Background(), "orders.events", testMessage("evt-1")), bus.ErrClosed)
	assert.ErrorIs(t, b.Subscribe(context.Background(), "orders.events", "payments", nil), bus.ErrClosed)
}

func TestSubscribe_SettlesByResult(t *testing.T) {
	ch := newFakeChannel()
	pub := newFakeChannel()
	b, err := New((&opener{channels: []*fakeChannel{ch, pub}}).open,
		WithPrefetch(4), WithRedeliveryDelay(2*time.Second))
	require.NoError(t, err)

	ack := &acks{}
	deliver(ch, ack, "evt-ack", "evt-nack", "evt-reject")

	results := map[string]bus.Result{"evt-ack": bus.Ack, "evt-nack": bus.Nack, "evt-reject": bus.Reject}
	var seen []bus.Message
	err = b.Subscribe(context.Background(), "orders.events", "payments", func(_ context.Context, msg bus.Message) bus.Result {
		seen = append(seen, msg)
		return results[msg.ID]
	})
	assert.ErrorIs(t, err, ErrDeliveriesClosed)
	assert.True(t, ch.closed)

	require.Len(t, seen, 3)
	assert.Equal(t, 1, seen[0].DeliveryAttempt)
	assert.Equal(t, "order-1", seen[0].AggregateID)
	assert.Equal(t, "00-abc-def-01", seen[0].Headers["traceparent"])

	assert.Equal(t, []uint64{1, 2}, ack.acked, "nack is settled by parking a confirmed copy")
	assert.Empty(t, ack.nacked)
	assert.Equal(t, []uint64{3}, ack.rejected)

	assert.Empty(t, ch.published, "the consume channel never publishes")
	assert.True(t, pub.confirmOn)
	require.Len(t, pub.published, 1)
	retry := pub.published[0]
	assert.Equal(t, "", retry.exchange)
	assert.Equal(t, "payments.orders.events.retry", retry.key)
	assert.Equal(t, "evt-nack", retry.msg.MessageId)
	assert.Equal(t, int64(2), retry.msg.Headers[headerAttempt])

	assert.Equal(t, 4, ch.prefetch)
	assert.Equal(t, amqp.Table{
		"x-dead-letter-exchange":    DefaultDLXExchange,
		"x-dead-letter-routing-key": "payments.orders.events",
	}, ch.queues["payments.orders.events"])
	assert.Equal(t, amqp.Table{
		"x-message-ttl":             int64(2000),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": "payments.orders.events",
	}, ch.queues["payments.orders.events.retry"])
	assert.Contains(t, ch.bindings, "payments.orders.events.dlq <- outbox.dlx/payments.orders.events")
	assert.Contains(t, ch.bindings, "payments.orders.events <- outbox.events/orders.events.#")
	for _, binding := range ch.bindings {
		assert.NotContains(t, binding, "payments.orders.events.retry <-", "the retry queue is reached by name only")
	}
}

func TestSubscribe_NackRequeuesWhenRetryCopyNotConfirmed(t *testing.T) {
	ch := newFakeChannel()
	pub := newFakeChannel()
	pub.nack = true
	b, err := New((&opener{channels: []*fakeChannel{ch, pub}}).open)
	require.NoError(t, err)

	ack := &acks{}
	deliver(ch, ack, "evt-nack")

	err = b.Subscribe(context.Background(), "orders.events", "payments", func(context.Context, bus.Message) bus.Result {
		return bus.Nack
	})
	assert.ErrorIs(t, err, ErrDeliveriesClosed)

	assert.Empty(t, ack.acked, "an unconfirmed copy must not settle the original")
	assert.Equal(t, []uint64{1}, ack.requeued)
	require.Len(t, pub.published, 1)
	assert.True(t, pub.closed, "the publish channel is reset after a nacked confirm")
}

func TestSubscribe_NackRequeuesWhenPublishChannelUnavailable(t *testing.T) {
	ch := newFakeChannel()
	b, err := New((&opener{channels: []*fakeChannel{ch}}).open)
	require.NoError(t, err)

	ack := &acks{}
	deliver(ch, ack, "evt-nack")

	err = b.Subscribe(context.Background(), "orders.events", "payments", func(context.Context, bus.Message) bus.Result {
		return bus.Nack
	})
	assert.ErrorIs(t, err, ErrDeliveriesClosed)
	assert.Empty(t, ack.acked)
	assert.Equal(t, []uint64{1}, ack.requeued)
}

func TestSubscribe_StopsOnContext(t *testing.T) {
	ch := newFakeChannel()
	b, err := New((&opener{channels: []*fakeChannel{ch}}).open)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = b.Subscribe(ctx, "orders.events", "payments", func(context.Context, bus.Message) bus.Result { return bus.Ack })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBind_DeclaresGroupQueue(t *testing.T) {
	ch := newFakeChannel()
	b, err := New((&opener{channels: []*fakeChannel{ch}}).open)
	require.NoError(t, err)

	require.NoError(t, b.Bind("orders.events", "payments"))

	assert.Equal(t, []string{DefaultExchange, DefaultDLXExchange}, ch.exchanges)
	assert.Contains(t, ch.queues, "payments.orders.events")
	assert.Equal(t, DefaultRedeliveryDelay.Milliseconds(), ch.queues["payments.orders.events.retry"]["x-message-ttl"])
	assert.Contains(t, ch.bindings, "payments.orders.events <- outbox.events/orders.events.#")
	assert.True(t, ch.closed)

	assert.ErrorIs(t, b.Bind("", "payments"), bus.ErrTopicRequired)
	assert.ErrorIs(t, b.Bind("orders.events", ""), bus.ErrGroupRequired)
}

func TestFromDelivery(t *testing.T) {
	d := amqp.Delivery{
		MessageId: "evt-1",
		Type:      "OrderCreatedEvent",
		Headers: amqp.Table{
			headerAttempt:         int32(3),
			"retries":             int64(2),
			"raw":                 []byte("x"),
			"x-death":             []interface{}{amqp.Table{"count": int64(1)}},
			"x-first-death-queue": "payments.orders.events.retry",
			"x-last-death-reason": "expired",
		},
		Timestamp: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
	msg := fromDelivery(d)
	assert.Equal(t, "evt-1", msg.ID)
	assert.Equal(t, "OrderCreatedEvent", msg.Type)
	assert.Equal(t, 3, msg.DeliveryAttempt)
	assert.Equal(t, map[string]string{"retries": "2", "raw": "x"}, msg.Headers)
	assert.Equal(t, d.Timestamp, msg.OccurredOn)

	assert.Equal(t, 2, fromDelivery(amqp.Delivery{MessageId: "evt-2", Redelivered: true}).DeliveryAttempt)
}
