package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DrainFunc performs one unit of work and reports whether more work is likely
// waiting, in which case the worker runs again without waiting for the tick.
type DrainFunc func(ctx context.Context) (busy bool, err error)

// BaseWorker runs a function on a fixed interval until its context is
// cancelled or Stop is called. Stop waits for the in-flight run.
type BaseWorker struct {
	name     string
	interval time.Duration
	logger   *zap.Logger
	workFunc DrainFunc

	running  sync.Mutex
	mu       sync.Mutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// NewBaseWorker runs workFunc once per interval.
func NewBaseWorker(name string, interval time.Duration, logger *zap.Logger, workFunc func(ctx context.Context) error) *BaseWorker {
	return NewDrainWorker(name, interval, logger, func(ctx context.Context) (bool, error) {
		return false, workFunc(ctx)
	})
}

// NewDrainWorker runs workFunc once per interval and keeps running it back to
// back while it reports a full batch.
func NewDrainWorker(name string, interval time.Duration, logger *zap.Logger, workFunc DrainFunc) *BaseWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BaseWorker{
		name:     name,
		interval: interval,
		logger:   logger,
		workFunc: workFunc,
		stopChan: make(chan struct{}),
	}
}

// Start blocks until ctx is done or Stop is called.
func (w *BaseWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("Worker already started", zap.String("name", w.name))
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("Worker starting", zap.String("name", w.name), zap.Duration("interval", w.interval))
	defer w.logger.Info("Worker finished", zap.String("name", w.name))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *BaseWorker) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		default:
		}
		if !w.run(ctx) {
			return
		}
	}
}

// run executes one unit of work. A panic is logged and treated as an idle run.
func (w *BaseWorker) run(ctx context.Context) (busy bool) {
	w.running.Lock()
	defer w.running.Unlock()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Worker function panicked",
				zap.String("name", w.name),
				zap.Error(fmt.Errorf("panic: %v", r)),
				zap.Stack("stack"))
			busy = false
		}
	}()

	busy, err := w.workFunc(ctx)
	if err != nil {
		w.logger.Error("Worker function failed", zap.String("name", w.name), zap.Error(err))
		return false
	}
	return busy
}

// Stop is idempotent and waits for the current run to finish.
func (w *BaseWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.running.Lock()
		w.running.Unlock() //nolint:staticcheck // empty section waits for the in-flight run
	})
}

func (w *BaseWorker) Name() string {
	return w.name
}
