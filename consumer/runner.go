package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/outbox/v4"
	"github.com/overtonx/outbox/v4/bus"
)

// Runner keeps a subscription alive for the Dispatcher. A subscription that
// ends with an error is resumed after a backoff.
type Runner struct {
	sub     bus.Subscriber
	topic   string
	group   string
	handler bus.Handler
	logger  *zap.Logger
	backoff outbox.BackoffStrategy

	running  sync.Mutex
	stopOnce sync.Once
	stopChan chan struct{}
}

type RunnerOption func(*Runner)

func WithRunnerBackoff(b outbox.BackoffStrategy) RunnerOption {
	return func(r *Runner) {
		r.backoff = b
	}
}

func NewRunner(sub bus.Subscriber, topic, group string, handler bus.Handler, logger *zap.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		sub:      sub,
		topic:    topic,
		group:    group,
		handler:  handler,
		logger:   logger,
		backoff:  outbox.NewExponentialBackoffStrategy(500*time.Millisecond, 30*time.Second, true),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Name() string {
	return "consumer:" + r.group + ":" + r.topic
}

// Start blocks until ctx is done, Stop is called or the bus is closed.
func (r *Runner) Start(ctx context.Context) {
	r.running.Lock()
	defer r.running.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	fields := []zap.Field{zap.String("topic", r.topic), zap.String("group", r.group)}
	r.logger.Info("Consumer starting", fields...)
	defer r.logger.Info("Consumer finished", fields...)

	failures := 0
	for {
		err := r.sub.Subscribe(ctx, r.topic, r.group, r.handler)
		if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) {
			return
		}

		failures++
		delay := r.backoff.NextDelay(failures)
		r.logger.Error("Subscription ended, resubscribing",
			append(fields, zap.Error(err), zap.Duration("delay", delay))...)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Stop cancels the subscription and waits for Start to return.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.running.Lock()
	r.running.Unlock() //nolint:staticcheck // empty section waits for Start
}
