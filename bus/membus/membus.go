// Package membus is an in-process bus with per-group durable queues,
// redelivery of nacked messages and a dead-letter list. It backs tests and
// single-binary deployments.
package membus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4/bus"
)

// DeadLetter is a message rejected by a consumer group.
type DeadLetter struct {
	Topic   string
	Group   string
	Message bus.Message
	At      time.Time
}

type Option func(*Bus)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithRedeliveryDelay sets how long a nacked message waits before it is queued again.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Bus) {
		b.redeliveryDelay = d
	}
}

// WithPublishHook runs before every publish. A non-nil error fails the publish
// without delivering the message.
func WithPublishHook(hook func(topic string, msg bus.Message) error) Option {
	return func(b *Bus) {
		b.hook = hook
	}
}

// Bus implements bus.Publisher and bus.Subscriber.
type Bus struct {
	logger          *zap.Logger
	redeliveryDelay time.Duration
	hook            func(topic string, msg bus.Message) error

	mu        sync.Mutex
	closed    bool
	topics    map[string]map[string]*queue
	published map[string][]bus.Message
	dead      []DeadLetter
}

func New(opts ...Option) *Bus {
	b := &Bus{
		logger:          zap.NewNop(),
		redeliveryDelay: 50 * time.Millisecond,
		topics:          make(map[string]map[string]*queue),
		published:       make(map[string][]bus.Message),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

// Bind declares the queue of group on topic. Messages published after Bind are
// retained for the group even if nobody is subscribed yet.
func (b *Bus) Bind(topic, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindLocked(topic, group)
}

func (b *Bus) bindLocked(topic, group string) *queue {
	groups, ok := b.topics[topic]
	if !ok {
		groups = make(map[string]*queue)
		b.topics[topic] = groups
	}
	q, ok := groups[group]
	if !ok {
		q = newQueue()
		groups[group] = q
	}
	return q
}

func (b *Bus) Publish(ctx context.Context, topic string, msg bus.Message) error {
	if err := bus.Validate(topic, msg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.hook != nil {
		if err := b.hook(topic, msg); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}

	b.published[topic] = append(b.published[topic], msg)
	for _, q := range b.topics[topic] {
		q.push(delivery{msg: msg, attempt: 1})
	}
	return nil
}

// Subscribe consumes the group's queue until ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic, group string, h bus.Handler) error {
	if topic == "" {
		return bus.ErrTopicRequired
	}
	if group == "" {
		return bus.ErrGroupRequired
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	q := b.bindLocked(topic, group)
	b.mu.Unlock()

	for {
		d, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.done:
				return bus.ErrClosed
			case <-q.notify:
				continue
			}
		}
		b.handle(ctx, topic, group, q, d, h)
	}
}

// DeliverPending hands every currently queued message of the group to h and
// returns how many were delivered. Redeliveries scheduled meanwhile are not
// awaited.
func (b *Bus) DeliverPending(ctx context.Context, topic, group string, h bus.Handler) int {
	b.mu.Lock()
	q := b.bindLocked(topic, group)
	b.mu.Unlock()

	n := 0
	for ctx.Err() == nil {
		d, ok := q.pop()
		if !ok {
			break
		}
		b.handle(ctx, topic, group, q, d, h)
		n++
	}
	return n
}

func (b *Bus) handle(ctx context.Context, topic, group string, q *queue, d delivery, h bus.Handler) {
	msg := d.msg
	msg.DeliveryAttempt = d.attempt

	result := h(ctx, msg)
	switch result {
	case bus.Ack:
	case bus.Reject:
		b.mu.Lock()
		b.dead = append(b.dead, DeadLetter{Topic: topic, Group: group, Message: msg, At: time.Now().UTC()})
		b.mu.Unlock()
		b.logger.Warn("Message dead-lettered",
			zap.String("topic", topic),
			zap.String("group", group),
			zap.String("event_id", msg.ID))
	default:
		next := delivery{msg: d.msg, attempt: d.attempt + 1}
		if b.redeliveryDelay <= 0 {
			q.push(next)
			return
		}
		time.AfterFunc(b.redeliveryDelay, func() { q.push(next) })
	}
}

// Published returns every message accepted for topic, in publish order.
func (b *Bus) Published(topic string) []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bus.Message, len(b.published[topic]))
	copy(out, b.published[topic])
	return out
}

// DeadLetters returns the rejected messages.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.dead))
	copy(out, b.dead)
	return out
}

// Pending returns the number of queued messages of the group.
func (b *Bus) Pending(topic, group string) int {
	b.mu.Lock()
	groups := b.topics[topic]
	q := groups[group]
	b.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.len()
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, groups := range b.topics {
		for _, q := range groups {
			q.close()
		}
	}
	return nil
}

type delivery struct {
	msg     bus.Message
	attempt int
}

type queue struct {
	mu     sync.Mutex
	items  []delivery
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newQueue() *queue {
	return &queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *queue) push(d delivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return delivery{}, false
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) close() {
	q.once.Do(func() { close(q.done) })
}
