package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-eventhub/internal/device"
	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
)

// Default dispatcher settings.
const (
	DefaultListenerTimeout = 5 * time.Second
	DefaultQueueSize       = 64
)

// Logger defines the logging interface used by the Dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config controls dispatch bounds.
type Config struct {
	// ListenerTimeout bounds each listener invocation.
	ListenerTimeout time.Duration

	// QueueSize is the number of pending updates buffered per device.
	QueueSize int
}

// Stats holds dispatch counters.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Rejected  uint64 `json:"rejected"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
	Panicked  uint64 `json:"panicked"`
	Workers   int    `json:"workers"`
}

// job is one update queued for a device, with the listeners that were
// registered when it was queued.
type job struct {
	dev       device.Device
	service   string
	update    propertyset.Update
	listeners []registration
}

type worker struct {
	queue chan job

	// done is closed when the worker has delivered its last job.
	done chan struct{}

	// prev is the done channel of the device's retired worker, if any.
	// The worker delivers nothing until it is closed.
	prev <-chan struct{}
}

// Dispatcher delivers updates to listeners.
//
// Updates for the same device are delivered strictly in order by a
// dedicated worker goroutine; different devices are delivered
// concurrently. A failing, panicking or stalled listener is logged and
// skipped without affecting the others.
type Dispatcher struct {
	table   *Table
	cfg     Config
	logger  Logger
	onError func(*ListenerError)

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.RWMutex
	workers  map[string]*worker
	retiring map[string]chan struct{}
	closed   bool
	wg      sync.WaitGroup

	enqueued  atomic.Uint64
	rejected  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	panicked  atomic.Uint64
}

// NewDispatcher creates a dispatcher reading listeners from table.
func NewDispatcher(table *Table, cfg Config) *Dispatcher {
	if cfg.ListenerTimeout <= 0 {
		cfg.ListenerTimeout = DefaultListenerTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		table:      table,
		cfg:        cfg,
		logger:     noopLogger{},
		baseCtx:    ctx,
		cancelBase: cancel,
		workers:    make(map[string]*worker),
		retiring:   make(map[string]chan struct{}),
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// OnListenerError sets a hook called for every failed invocation, after
// it has been logged. It runs on the device's worker goroutine.
func (d *Dispatcher) OnListenerError(fn func(*ListenerError)) {
	d.onError = fn
}

// Dispatch queues an update for delivery to the device's listeners.
//
// The listener list is captured now, so listeners removed afterwards still
// see this update. If the device queue is full Dispatch waits until ctx is
// done.
//
// Returns:
//   - error: nil once queued (or when there is nothing to deliver),
//     ErrQueueFull if ctx expired while the queue was full, ErrClosed after Close
func (d *Dispatcher) Dispatch(ctx context.Context, dev device.Device, update propertyset.Update) error {
	listeners := d.table.snapshot(dev.ID())
	if len(update) == 0 || len(listeners) == 0 {
		if d.isClosed() {
			return ErrClosed
		}
		return nil
	}

	j := job{dev: dev, service: Service(ctx), update: update, listeners: listeners}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}

	w, ok := d.workers[dev.ID()]
	for !ok {
		// Upgrade to create the worker, then re-acquire the read lock that
		// guards the send. The worker may be retired in between.
		d.mu.RUnlock()
		d.ensureWorker(dev.ID())
		d.mu.RLock()
		if d.closed {
			return ErrClosed
		}
		w, ok = d.workers[dev.ID()]
	}

	select {
	case w.queue <- j:
		d.enqueued.Add(1)
		return nil
	default:
	}

	select {
	case w.queue <- j:
		d.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		d.rejected.Add(1)
		return fmt.Errorf("%w: device %s: %w", ErrQueueFull, dev.ID(), ctx.Err())
	}
}

func (d *Dispatcher) ensureWorker(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	if _, ok := d.workers[deviceID]; ok {
		return
	}

	w := &worker{
		queue: make(chan job, d.cfg.QueueSize),
		done:  make(chan struct{}),
		prev:  d.retiring[deviceID],
	}
	d.workers[deviceID] = w
	d.wg.Add(1)
	go d.run(deviceID, w)
}

func (d *Dispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// RemoveDevice retires a device's worker once its queue has drained. A
// worker started later for the same device waits for the retired one, so
// deliveries for a device never overlap.
func (d *Dispatcher) RemoveDevice(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if w, ok := d.workers[deviceID]; ok {
		delete(d.workers, deviceID)
		d.retiring[deviceID] = w.done
		close(w.queue)
	}
}

// Close stops accepting updates and waits for queued ones to be delivered.
// If ctx expires first, the remaining work is abandoned and listener
// contexts are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for id, w := range d.workers {
		close(w.queue)
		delete(d.workers, id)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	defer d.cancelBase()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatch drain incomplete, abandoning queued updates")
		return ctx.Err()
	}
}

// Stats returns the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	workers := len(d.workers)
	d.mu.RUnlock()

	return Stats{
		Enqueued:  d.enqueued.Load(),
		Rejected:  d.rejected.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		TimedOut:  d.timedOut.Load(),
		Panicked:  d.panicked.Load(),
		Workers:   workers,
	}
}

func (d *Dispatcher) run(deviceID string, w *worker) {
	defer d.wg.Done()

	if w.prev != nil {
		<-w.prev
	}

	for j := range w.queue {
		d.deliver(j)
	}
	close(w.done)

	d.mu.Lock()
	if d.retiring[deviceID] == w.done {
		delete(d.retiring, deviceID)
	}
	d.mu.Unlock()

	d.logger.Debug("dispatch worker retired", "device_id", deviceID)
}

// deliver runs every matching listener for each property, in payload
// order then registration order.
func (d *Dispatcher) deliver(j job) {
	for _, p := range j.update {
		for _, l := range j.listeners {
			if !l.matches(p.Name) {
				continue
			}
			if err := d.invoke(j.dev, j.service, l.fn, p); err != nil {
				d.report(err)
				continue
			}
			d.delivered.Add(1)
		}
	}
}

// invoke runs one listener with a deadline and panic isolation. On
// timeout the listener goroutine is abandoned.
func (d *Dispatcher) invoke(dev device.Device, service string, fn Listener, p propertyset.Property) *ListenerError {
	ctx, cancel := context.WithTimeout(WithService(d.baseCtx, service), d.cfg.ListenerTimeout)
	defer cancel()

	result := make(chan *ListenerError, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Debug("listener panic stack", "device_id", dev.ID(), "stack", string(debug.Stack()))
				result <- &ListenerError{DeviceID: dev.ID(), Property: p.Name, Err: ErrListenerPanic, Panic: r}
			}
		}()
		if err := fn(ctx, dev, p); err != nil {
			result <- &ListenerError{DeviceID: dev.ID(), Property: p.Name, Err: err}
			return
		}
		result <- nil
	}()

	select {
	case lerr := <-result:
		if lerr != nil && lerr.Err != ErrListenerPanic && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			lerr.Err = ErrListenerTimeout
		}
		return lerr
	case <-ctx.Done():
		return &ListenerError{DeviceID: dev.ID(), Property: p.Name, Err: ErrListenerTimeout}
	}
}

func (d *Dispatcher) report(lerr *ListenerError) {
	switch lerr.Err {
	case ErrListenerTimeout:
		d.timedOut.Add(1)
		d.logger.Warn("listener timed out", "device_id", lerr.DeviceID, "property", lerr.Property, "timeout", d.cfg.ListenerTimeout)
	case ErrListenerPanic:
		d.panicked.Add(1)
		d.logger.Error("listener panicked", "device_id", lerr.DeviceID, "property", lerr.Property, "panic", lerr.Panic)
	default:
		d.failed.Add(1)
		d.logger.Warn("listener failed", "device_id", lerr.DeviceID, "property", lerr.Property, "error", lerr.Err)
	}

	if d.onError != nil {
		d.onError(lerr)
	}
}
