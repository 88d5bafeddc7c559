package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4"
	"github.com/overtonx/outbox/v4/bus"
	"github.com/overtonx/outbox/v4/bus/membus"
)

func TestRunner_DeliversUntilStopped(t *testing.T) {
	b := membus.New(membus.WithRedeliveryDelay(0))
	b.Bind("orders.events", "payments")
	t.Cleanup(func() { _ = b.Close() })

	var handled atomic.Int32
	runner := NewRunner(b, "orders.events", "payments", func(context.Context, bus.Message) bus.Result {
		handled.Add(1)
		return bus.Ack
	}, zap.NewNop())
	assert.Equal(t, "consumer:payments:orders.events", runner.Name())

	done := make(chan struct{})
	go func() {
		runner.Start(context.Background())
		close(done)
	}()

	require.NoError(t, b.Publish(context.Background(), "orders.events", bus.Message{ID: "evt-1", Type: "OrderCreatedEvent"}))
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)

	runner.Stop()
	<-done
}

type flakySubscriber struct {
	calls atomic.Int32
}

func (s *flakySubscriber) Subscribe(ctx context.Context, _, _ string, _ bus.Handler) error {
	if s.calls.Add(1) < 3 {
		return errors.New("channel closed by broker")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRunner_ResubscribesAfterFailure(t *testing.T) {
	sub := &flakySubscriber{}
	runner := NewRunner(sub, "orders.events", "payments", nil, nil,
		WithRunnerBackoff(outbox.NewFixedBackoffStrategy(time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sub.calls.Load() == 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

type closedSubscriber struct{}

func (closedSubscriber) Subscribe(context.Context, string, string, bus.Handler) error {
	return bus.ErrClosed
}

func TestRunner_ReturnsWhenBusClosed(t *testing.T) {
	runner := NewRunner(closedSubscriber{}, "orders.events", "payments", nil, nil)

	done := make(chan struct{})
	go func() {
		runner.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner should stop once the bus is closed")
	}
	runner.Stop()
}

func TestRunner_StopBeforeStart(t *testing.T) {
	runner := NewRunner(&flakySubscriber{}, "orders.events", "payments", nil, nil)
	runner.Stop()
	runner.Start(context.Background())
}
