// Package events delivers host events to registered handlers. Every dispatch
// returns a task the host waits on.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

// onceEvents may be dispatched at most once per dispatcher, which lives for
// exactly one version.
var onceEvents = map[types.EventType]struct{}{
	types.EventInstall:  {},
	types.EventActivate: {},
}

type Dispatcher struct {
	ctx        context.Context
	cancel     context.CancelFunc
	logger     types.Logger
	metrics    types.MetricsManager
	mu         sync.RWMutex
	handlers   map[types.EventType]types.EventHandler
	syncs      map[string]types.SyncRoutine
	dispatched map[types.EventType]struct{}
	inflight   sync.WaitGroup
	running    int32
}

func NewDispatcher(ctx context.Context, logger types.Logger, metrics types.MetricsManager) *Dispatcher {
	dispatcherCtx, cancel := context.WithCancel(ctx)

	d := &Dispatcher{
		ctx:        dispatcherCtx,
		cancel:     cancel,
		logger:     logger,
		metrics:    metrics,
		handlers:   make(map[types.EventType]types.EventHandler),
		syncs:      make(map[string]types.SyncRoutine),
		dispatched: make(map[types.EventType]struct{}),
	}

	d.handlers[types.EventSync] = d.handleSync

	return d
}

// On registers the handler for eventType, replacing any earlier one.
func (d *Dispatcher) On(eventType types.EventType, handler types.EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[eventType] = handler
}

// RegisterSync binds a background-sync tag to its routine.
func (d *Dispatcher) RegisterSync(tag string, routine types.SyncRoutine) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.syncs[tag] = routine
}

func (d *Dispatcher) SyncTags() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tags := make([]string, 0, len(d.syncs))
	for tag := range d.syncs {
		tags = append(tags, tag)
	}

	return tags
}

// Dispatch runs the handler for event on its own goroutine. The returned
// task yields the handler's result once and is then closed.
func (d *Dispatcher) Dispatch(ctx context.Context, event types.Event) types.Task {
	task := make(chan error, 1)

	handler, err := d.claim(event)
	if err != nil {
		d.recordMetric(event.Type, "rejected", 0)
		task <- err
		close(task)
		return task
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer close(task)

		start := time.Now()
		err := d.run(ctx, handler, event)

		result := "success"
		if err != nil {
			result = "error"
			d.logger.Error("Event handler failed",
				zap.String("event", string(event.Type)),
				zap.String("tag", event.Tag),
				zap.Error(err))
		}
		d.recordMetric(event.Type, result, time.Since(start))

		task <- err
	}()

	return task
}

func (d *Dispatcher) Start() error {
	if !atomic.CompareAndSwapInt32(&d.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	d.logger.Info("Event dispatcher started")

	return nil
}

// Stop rejects new events and waits for running handlers.
func (d *Dispatcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&d.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	d.cancel()
	d.inflight.Wait()

	d.logger.Info("Event dispatcher stopped")

	return nil
}

func (d *Dispatcher) IsRunning() bool {
	return atomic.LoadInt32(&d.running) == 1
}

func (d *Dispatcher) claim(event types.Event) (types.EventHandler, error) {
	if !d.IsRunning() {
		return nil, types.ErrServerNotRunning
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	handler, ok := d.handlers[event.Type]
	if !ok {
		return nil, types.Errorf(types.ErrEventHandlerMissing, "event: %s", event.Type)
	}

	if _, once := onceEvents[event.Type]; once {
		if _, done := d.dispatched[event.Type]; done {
			return nil, types.Errorf(types.ErrEventAlreadyHandled, "event: %s", event.Type)
		}
		d.dispatched[event.Type] = struct{}{}
	}

	return handler, nil
}

// run stops the handler's context when either the caller or the dispatcher
// goes away.
func (d *Dispatcher) run(ctx context.Context, handler types.EventHandler, event types.Event) (err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Event handler panicked",
				zap.String("event", string(event.Type)),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = types.NewErrorf("event %s handler panicked: %v", event.Type, r)
		}
	}()

	return handler(runCtx, event)
}

func (d *Dispatcher) handleSync(ctx context.Context, event types.Event) error {
	d.mu.RLock()
	routine, ok := d.syncs[event.Tag]
	d.mu.RUnlock()

	if !ok {
		return types.Errorf(types.ErrSyncTagUnknown, "tag: %s", event.Tag)
	}

	d.logger.Debug("Running background sync", zap.String("tag", event.Tag))

	return routine(ctx)
}

func (d *Dispatcher) recordMetric(eventType types.EventType, result string, duration time.Duration) {
	if d.metrics == nil {
		return
	}

	d.metrics.Counter("event_dispatch_total", map[string]string{
		"event":  string(eventType),
		"result": result,
	}).Inc()

	if duration > 0 {
		d.metrics.Histogram("event_handler_duration_seconds",
			[]float64{0.001, 0.01, 0.1, 1.0, 5.0},
			map[string]string{"event": string(eventType)},
		).Observe(duration.Seconds())
	}
}
