package membus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/outbox/v4/bus"
)

func TestBus_PublishToBoundGroups(t *testing.T) {
	b := New()
	b.Bind("orders.events", "payments")
	b.Bind("orders.events", "shipping")

	err := b.Publish(context.Background(), "orders.events", bus.Message{ID: "e-1", Type: "OrderCreatedEvent"})
	require.NoError(t, err)

	assert.Equal(t, 1, b.Pending("orders.events", "payments"))
	assert.Equal(t, 1, b.Pending("orders.events", "shipping"))
	assert.Len(t, b.Published("orders.events"), 1)
}

func TestBus_AckRemovesMessage(t *testing.T) {
	b := New()
	b.Bind("t", "g")
	require.NoError(t, b.Publish(context.Background(), "t", bus.Message{ID: "e-1"}))

	var seen bus.Message
	n := b.DeliverPending(context.Background(), "t", "g", func(_ context.Context, msg bus.Message) bus.Result {
		seen = msg
		return bus.Ack
	})

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, seen.DeliveryAttempt)
	assert.Zero(t, b.Pending("t", "g"))
}

func TestBus_NackRedelivers(t *testing.T) {
	b := New(WithRedeliveryDelay(0))
	b.Bind("t", "g")
	require.NoError(t, b.Publish(context.Background(), "t", bus.Message{ID: "e-1"}))

	var attempts []int
	handler := func(_ context.Context, msg bus.Message) bus.Result {
		attempts = append(attempts, msg.DeliveryAttempt)
		if msg.DeliveryAttempt < 3 {
			return bus.Nack
		}
		return bus.Ack
	}

	n := b.DeliverPending(context.Background(), "t", "g", handler)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestBus_RejectDeadLetters(t *testing.T) {
	b := New()
	b.Bind("t", "g")
	require.NoError(t, b.Publish(context.Background(), "t", bus.Message{ID: "poison"}))

	b.DeliverPending(context.Background(), "t", "g", func(context.Context, bus.Message) bus.Result {
		return bus.Reject
	})

	dead := b.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "poison", dead[0].Message.ID)
	assert.Equal(t, "g", dead[0].Group)
}

func TestBus_PublishHookFailure(t *testing.T) {
	outage := errors.New("broker down")
	b := New(WithPublishHook(func(string, bus.Message) error { return outage }))
	b.Bind("t", "g")

	err := b.Publish(context.Background(), "t", bus.Message{ID: "e-1"})
	assert.ErrorIs(t, err, outage)
	assert.Zero(t, b.Pending("t", "g"))
	assert.Empty(t, b.Published("t"))
}

func TestBus_SubscribeStopsOnCancel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	var handled atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "t", "g", func(context.Context, bus.Message) bus.Result {
			handled.Add(1)
			return bus.Ack
		})
	}()

	require.Eventually(t, func() bool {
		_ = b.Publish(context.Background(), "t", bus.Message{ID: "e-1"})
		return handled.Load() > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
}

func TestBus_Closed(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "t", bus.Message{ID: "e"}), bus.ErrClosed)
	assert.ErrorIs(t, b.Subscribe(context.Background(), "t", "g", nil), bus.ErrClosed)
}
