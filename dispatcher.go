package outbox

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher supervises the relay and consumer workers of one process.
// Start blocks until the context ends or Stop is called, then stops every
// worker and waits for them.
type Dispatcher struct {
	logger  *zap.Logger
	workers []Worker

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

func NewDispatcher(logger *zap.Logger, workers ...Worker) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:   logger,
		workers:  workers,
		stopChan: make(chan struct{}),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		d.logger.Warn("Dispatcher already started")
		return
	}
	d.started = true
	d.mu.Unlock()

	d.logger.Info("Starting dispatcher", zap.Int("worker_count", len(d.workers)))

	for _, w := range d.workers {
		d.wg.Add(1)
		go d.runWorker(ctx, w)
	}

	select {
	case <-ctx.Done():
		d.logger.Info("Context cancelled, stopping dispatcher")
		d.Stop()
	case <-d.stopChan:
	}

	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
}

func (d *Dispatcher) runWorker(ctx context.Context, w Worker) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Worker panicked",
				zap.String("worker_name", w.Name()),
				zap.Error(fmt.Errorf("panic: %v", r)),
				zap.Stack("stack"))
		}
	}()

	d.logger.Info("Starting worker", zap.String("worker_name", w.Name()))
	w.Start(ctx)
	d.logger.Info("Worker stopped", zap.String("worker_name", w.Name()))
}

// Stop is safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.RLock()
		started := d.started
		d.mu.RUnlock()
		if !started {
			d.logger.Warn("Attempted to stop a dispatcher that was not started")
			return
		}

		d.logger.Info("Stopping dispatcher")
		close(d.stopChan)
		for _, w := range d.workers {
			w.Stop()
		}
	})
}

func (d *Dispatcher) IsStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}
