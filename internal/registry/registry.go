// Package registry is the event hub facade.
//
// A Registry owns the subscription store, listener table, dispatcher,
// renewal scheduler and NOTIFY server, and exposes the small surface
// callers use:
//
//	reg := registry.New(cfg, upnp.New(upnp.Config{}))
//	reg.Start(ctx)
//	defer reg.Stop()
//
//	reg.Register(ctx, dev)                       // SUBSCRIBE every event service
//	reg.On(dev, "BinaryState", listener)         // one property
//	reg.On(dev, dispatch.AllEvents, listener)    // everything
//	reg.Unregister(ctx, dev)
//
// Devices are borrowed: the caller keeps them alive while registered.
//
// # Lifecycle
//
// Start and Stop are idempotent. Stop closes the NOTIFY listener (letting
// accepted requests finish within the shutdown grace period), cancels
// renewals, drains queued dispatch and forgets every device, subscription
// and listener. A stopped registry can be started again. Any other call
// outside Start/Stop returns ErrNotRunning.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-eventhub/internal/device"
	"github.com/nerrad567/gray-logic-eventhub/internal/dispatch"
	"github.com/nerrad567/gray-logic-eventhub/internal/notify"
	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
	"github.com/nerrad567/gray-logic-eventhub/internal/subscription"
)

// maxConcurrentSubscribes bounds parallel SUBSCRIBE requests per Register.
const maxConcurrentSubscribes = 4

// Logger defines the logging interface used by the Registry and passed on
// to the components it owns.
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

// Config is the explicit registry configuration.
type Config struct {
	// Notify configures the callback listener. Port 0 picks a free port.
	Notify notify.Config

	// AdvertiseHost is the host devices call back to. When empty the local
	// address used to reach each device is advertised.
	AdvertiseHost string

	// SubscriptionTimeout is the lifetime requested in SUBSCRIBE.
	SubscriptionTimeout time.Duration

	// RequestTimeout bounds each SUBSCRIBE and UNSUBSCRIBE.
	RequestTimeout time.Duration

	Renewal  subscription.SchedulerConfig
	Dispatch dispatch.Config
}

func (c Config) withDefaults() Config {
	if c.SubscriptionTimeout <= 0 {
		c.SubscriptionTimeout = subscription.DefaultTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = subscription.DefaultRequestTimeout
	}
	if c.Renewal.Timeout <= 0 {
		c.Renewal.Timeout = c.SubscriptionTimeout
	}
	if c.Renewal.RequestTimeout <= 0 {
		c.Renewal.RequestTimeout = c.RequestTimeout
	}
	return c
}

// Stats aggregates component counters.
type Stats struct {
	Running       bool                        `json:"running"`
	Port          int                         `json:"port"`
	Devices       int                         `json:"devices"`
	Subscriptions int                         `json:"subscriptions"`
	Notify        notify.Stats                `json:"notify"`
	Dispatch      dispatch.Stats              `json:"dispatch"`
	Renewal       subscription.SchedulerStats `json:"renewal"`
}

// Registry is the event hub facade. All methods are safe for concurrent use.
type Registry struct {
	cfg       Config
	transport subscription.Transport
	logger    Logger
	onFailed  func(subscription.Entry, error)

	store *subscription.Store
	table *dispatch.Table

	// lifeMu serialises Start and Stop.
	lifeMu sync.Mutex

	mu         sync.RWMutex
	running    bool
	devices    map[string]device.Device
	dispatcher *dispatch.Dispatcher
	scheduler  *subscription.Scheduler
	server     *notify.Server

	background sync.WaitGroup
}

// New creates a stopped registry.
//
// Parameters:
//   - cfg: Registry configuration (zero values use defaults)
//   - transport: Outbound subscription client
//
// Returns:
//   - *Registry: Registry ready to Start
func New(cfg Config, transport subscription.Transport) *Registry {
	return &Registry{
		cfg:       cfg.withDefaults(),
		transport: transport,
		logger:    noopLogger{},
		store:     subscription.NewStore(),
		table:     dispatch.NewTable(),
		devices:   make(map[string]device.Device),
	}
}

// SetLogger sets the logger for the registry and its components.
// Call before Start.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// OnSubscriptionFailed sets a callback for subscriptions that exhausted
// their renewal attempts. Call before Start.
func (r *Registry) OnSubscriptionFailed(fn func(subscription.Entry, error)) {
	r.onFailed = fn
}

// Start binds the NOTIFY server and launches renewal and dispatch.
// Calling Start on a running registry is a no-op.
func (r *Registry) Start(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if r.Running() {
		return nil
	}

	dispatcher := dispatch.NewDispatcher(r.table, r.cfg.Dispatch)
	dispatcher.SetLogger(r.logger)

	server := notify.New(r.cfg.Notify, r.store, dispatcher)
	server.SetLogger(r.logger)
	if err := server.Start(ctx); err != nil {
		_ = dispatcher.Close(ctx)
		return fmt.Errorf("starting notify server: %w", err)
	}

	scheduler := subscription.NewScheduler(r.store, r.transport, r.cfg.Renewal)
	scheduler.SetLogger(r.logger)
	scheduler.OnFailed(r.handleFailed)
	if err := scheduler.Start(context.WithoutCancel(ctx)); err != nil {
		_ = server.Close()
		_ = dispatcher.Close(ctx)
		return fmt.Errorf("starting renewal scheduler: %w", err)
	}

	r.mu.Lock()
	r.dispatcher = dispatcher
	r.server = server
	r.scheduler = scheduler
	r.running = true
	r.mu.Unlock()

	r.logger.Info("event hub started", "port", server.Port())
	return nil
}

// Stop shuts the hub down and forgets all state. Calling Stop on a
// stopped registry is a no-op.
//
// Returns:
//   - error: Joined shutdown errors (listener shutdown, dispatch drain)
func (r *Registry) Stop() error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	server, scheduler, dispatcher := r.server, r.scheduler, r.dispatcher
	r.server, r.scheduler, r.dispatcher = nil, nil, nil
	clear(r.devices)
	r.mu.Unlock()

	var errs []error
	if err := server.Close(); err != nil {
		errs = append(errs, err)
	}
	scheduler.Stop()

	grace := r.cfg.Notify.ShutdownGrace
	if grace <= 0 {
		grace = notify.DefaultShutdownGrace
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("draining dispatch: %w", err))
	}

	r.store.Clear()
	r.table.Clear()
	r.background.Wait()

	r.logger.Info("event hub stopped")
	return errors.Join(errs...)
}

// Running reports whether the registry is between Start and Stop.
func (r *Registry) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Port returns the NOTIFY listener port, or 0 when stopped.
func (r *Registry) Port() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.server == nil {
		return 0
	}
	return r.server.Port()
}

// Register subscribes to every event service of dev that has no live
// subscription. Services are subscribed concurrently; a failure on one
// leaves the others active.
//
// Calling Register again for a registered device retries only services
// whose subscription has failed or never succeeded.
//
// Returns:
//   - error: ErrNotRunning, ErrInvalidDevice, ErrDeviceConflict, or the
//     joined per-service transport errors
func (r *Registry) Register(ctx context.Context, dev device.Device) error {
	if dev == nil || dev.ID() == "" {
		return ErrInvalidDevice
	}
	services := dev.EventServices()
	if len(services) == 0 {
		return fmt.Errorf("%w: %s has no event services", ErrInvalidDevice, dev.ID())
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	if existing, ok := r.devices[dev.ID()]; ok && existing != dev {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceConflict, dev.ID())
	}
	r.devices[dev.ID()] = dev
	port := r.server.Port()
	prefix := r.server.PathPrefix()
	r.mu.Unlock()

	var (
		g      errgroup.Group
		errMu  sync.Mutex
		errs   []error
		record = func(err error) {
			errMu.Lock()
			errs = append(errs, err)
			errMu.Unlock()
		}
	)
	g.SetLimit(maxConcurrentSubscribes)

	for _, svc := range services {
		callback, err := r.callbackURL(dev, svc, port, prefix)
		if err != nil {
			record(fmt.Errorf("device %s service %s: %w", dev.ID(), svc.Name, err))
			continue
		}
		if _, ok := r.store.Begin(dev, svc, callback); !ok {
			continue
		}

		g.Go(func() error {
			r.subscribe(ctx, dev, svc, callback, record)
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		r.logger.Warn("device registered with failed subscriptions", "device_id", dev.ID(), "failed", len(errs))
	} else {
		r.logger.Info("device registered", "device_id", dev.ID(), "services", len(services))
	}
	return errors.Join(errs...)
}

func (r *Registry) subscribe(ctx context.Context, dev device.Device, svc device.EventService, callback string, record func(error)) {
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	grant, err := r.transport.Subscribe(reqCtx, svc.EventSubURL, callback, r.cfg.SubscriptionTimeout)
	if err != nil {
		r.store.Abort(dev.ID(), svc.Name)
		record(err)
		return
	}

	timeout := grant.Timeout
	if timeout <= 0 {
		timeout = r.cfg.SubscriptionTimeout
	}
	if _, ok := r.store.Activate(dev.ID(), svc.Name, grant.SID, timeout); !ok {
		// Unregistered or stopped while the request was in flight.
		r.unsubscribeAsync(svc.EventSubURL, grant.SID)
		return
	}

	r.logger.Debug("subscribed",
		"device_id", dev.ID(),
		"service", svc.Name,
		"sid", grant.SID,
		"timeout", timeout,
	)
}

// Unregister removes every subscription and listener of dev. NOTIFY
// requests already past SID resolution still complete; later ones with
// the old SIDs get 404. UNSUBSCRIBE requests are sent in the background.
func (r *Registry) Unregister(_ context.Context, dev device.Device) error {
	if dev == nil {
		return ErrInvalidDevice
	}
	id := dev.ID()

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	if _, ok := r.devices[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	delete(r.devices, id)
	dispatcher := r.dispatcher
	r.mu.Unlock()

	removed := r.store.RemoveDevice(id)
	r.table.RemoveDevice(id)
	dispatcher.RemoveDevice(id)

	for _, e := range removed {
		if e.SID != "" {
			r.unsubscribeAsync(e.EventSubURL, e.SID)
		}
	}

	r.logger.Info("device unregistered", "device_id", id, "subscriptions", len(removed))
	return nil
}

// On appends a listener for dev. eventType is a property name or
// dispatch.AllEvents. Listeners run in registration order.
func (r *Registry) On(dev device.Device, eventType string, fn dispatch.Listener) error {
	if dev == nil || fn == nil {
		return ErrInvalidDevice
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return ErrNotRunning
	}

	r.table.Add(dev.ID(), eventType, fn)
	return nil
}

// Device returns a registered device by ID.
func (r *Registry) Device(id string) (device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Devices returns the registered devices ordered by ID.
func (r *Registry) Devices() []device.Device {
	r.mu.RLock()
	devices := make([]device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.RUnlock()

	slices.SortFunc(devices, func(a, b device.Device) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return devices
}

// Subscriptions returns every subscription entry.
func (r *Registry) Subscriptions() []subscription.Entry {
	return r.store.List()
}

// Resubscribe re-registers a known device, subscribing any service whose
// subscription has lapsed.
func (r *Registry) Resubscribe(ctx context.Context, deviceID string) error {
	dev, ok := r.Device(deviceID)
	if !ok {
		if !r.Running() {
			return ErrNotRunning
		}
		return fmt.Errorf("%w: %s", ErrNotRegistered, deviceID)
	}
	return r.Register(ctx, dev)
}

// Stats returns aggregated counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Running:       r.running,
		Devices:       len(r.devices),
		Subscriptions: r.store.Len(),
	}
	if r.server != nil {
		stats.Port = r.server.Port()
		stats.Notify = r.server.Stats()
	}
	if r.dispatcher != nil {
		stats.Dispatch = r.dispatcher.Stats()
	}
	if r.scheduler != nil {
		stats.Renewal = r.scheduler.Stats()
	}
	return stats
}

func (r *Registry) handleFailed(e subscription.Entry, err error) {
	r.logger.Warn("subscription failed, device needs re-registering",
		"device_id", e.DeviceID,
		"service", e.Service,
		"error", err,
	)
	if r.onFailed != nil {
		r.onFailed(e, err)
	}
}

// unsubscribeAsync sends UNSUBSCRIBE on a goroutine that Stop waits for.
// Once Stop has begun the request is sent inline instead, so the wait
// group is only added to while the registry is running.
func (r *Registry) unsubscribeAsync(eventSubURL, sid string) {
	r.mu.RLock()
	if !r.running {
		r.mu.RUnlock()
		r.unsubscribe(eventSubURL, sid)
		return
	}
	r.background.Add(1)
	r.mu.RUnlock()

	go func() {
		defer r.background.Done()
		r.unsubscribe(eventSubURL, sid)
	}()
}

func (r *Registry) unsubscribe(eventSubURL, sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
	defer cancel()

	if err := r.transport.Unsubscribe(ctx, eventSubURL, sid); err != nil {
		r.logger.Debug("unsubscribe failed", "sid", sid, "error", err)
	}
}

// callbackURL builds the NOTIFY URL a device should call for svc.
func (r *Registry) callbackURL(dev device.Device, svc device.EventService, port int, prefix string) (string, error) {
	host := r.cfg.AdvertiseHost
	if host == "" {
		local, err := localAddressFor(dev.Host())
		if err != nil {
			return "", err
		}
		host = local
	}
	return fmt.Sprintf("http://%s%s/%s", net.JoinHostPort(host, strconv.Itoa(port)), prefix, svc.Name), nil
}

// localAddressFor returns the local IP the kernel would use to reach
// host. Dialling UDP sends no packets.
func localAddressFor(host string) (string, error) {
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(device.DefaultPort))
	}
	conn, err := net.Dial("udp", host)
	if err != nil {
		return "", fmt.Errorf("finding callback address for %s: %w", host, err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("finding callback address for %s: unexpected address %v", host, conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// ApplyUpdates is a listener forwarding each property to the device's
// ApplyUpdate.
func ApplyUpdates(_ context.Context, dev device.Device, p propertyset.Property) error {
	dev.ApplyUpdate(p)
	return nil
}

var _ dispatch.Listener = ApplyUpdates
