package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default scheduler settings.
const (
	DefaultCheckInterval  = 5 * time.Second
	DefaultLeadTime       = 60 * time.Second
	DefaultTimeout        = 300 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// Logger defines the logging interface used by the Scheduler.
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

// SchedulerConfig controls renewal timing and retries.
type SchedulerConfig struct {
	// CheckInterval is how often the store is scanned for expiring entries.
	CheckInterval time.Duration

	// LeadTime is how long before expiry a renewal starts.
	LeadTime time.Duration

	// Timeout is the subscription lifetime requested from devices.
	Timeout time.Duration

	// RequestTimeout bounds each outbound request.
	RequestTimeout time.Duration

	// MaxAttempts is the total number of renewal attempts before FAILED.
	MaxAttempts int

	// InitialBackoff and MaxBackoff bound the exponential retry delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.LeadTime <= 0 {
		c.LeadTime = DefaultLeadTime
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(DefaultMaxBackoff, c.InitialBackoff)
	}
	return c
}

// SchedulerStats holds renewal counters.
type SchedulerStats struct {
	Renewed      uint64 `json:"renewed"`
	Resubscribed uint64 `json:"resubscribed"`
	Retries      uint64 `json:"retries"`
	Failed       uint64 `json:"failed"`
}

// Scheduler renews subscriptions before they expire.
//
// Each claimed entry is renewed on its own goroutine; no lock is held
// across a network call. Stop cancels in-flight renewals and waits for
// them to return.
type Scheduler struct {
	store     *Store
	transport Transport
	cfg       SchedulerConfig
	logger    Logger
	onFailed  func(Entry, error)
	now       func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
	renewed  atomic.Uint64
	resubbed atomic.Uint64
	retries  atomic.Uint64
	failed   atomic.Uint64
}

// NewScheduler creates a renewal scheduler over store.
func NewScheduler(store *Store, transport Transport, cfg SchedulerConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     store,
		transport: transport,
		cfg:       cfg.withDefaults(),
		logger:    noopLogger{},
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetLogger sets the logger for the scheduler.
func (s *Scheduler) SetLogger(logger Logger) {
	s.logger = logger
}

// OnFailed sets a callback invoked after an entry exhausts its renewal
// attempts and is removed. It runs on the renewal goroutine.
func (s *Scheduler) OnFailed(fn func(Entry, error)) {
	s.onFailed = fn
}

// Start launches the check loop. The loop runs until Stop or until ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSchedulerStarted
	}

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("renewal scheduler started",
		"check_interval", s.cfg.CheckInterval,
		"lead_time", s.cfg.LeadTime,
		"max_attempts", s.cfg.MaxAttempts,
	)
	return nil
}

// Stop cancels outstanding renewals and waits for them to finish.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.logger.Info("renewal scheduler stopped")
	})
}

// Stats returns the renewal counters.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Renewed:      s.renewed.Load(),
		Resubscribed: s.resubbed.Load(),
		Retries:      s.retries.Load(),
		Failed:       s.failed.Load(),
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check()
		}
	}
}

// Check claims every entry expiring within the lead time and starts a
// renewal for it. It returns the number of renewals started.
func (s *Scheduler) Check() int {
	if s.ctx.Err() != nil {
		return 0
	}

	deadline := s.now().Add(s.cfg.LeadTime)
	started := 0
	for _, e := range s.store.ExpiringBefore(deadline) {
		claimed, ok := s.store.BeginRenewal(e.SID)
		if !ok {
			continue
		}
		started++
		s.wg.Add(1)
		go s.renew(claimed)
	}
	return started
}

// Wait blocks until in-flight renewals started by Check have finished.
// Intended for tests that drive Check directly.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) renew(e Entry) {
	defer s.wg.Done()

	sid := e.SID
	op := func() error {
		if _, err := s.store.Resolve(sid); err != nil {
			return backoff.Permanent(errEntryRemoved)
		}

		grant, err := s.renewOnce(e)
		if err != nil {
			return err
		}

		if _, ok := s.store.CompleteRenewal(sid, grant.SID, grant.Timeout); !ok {
			if grant.SID != "" && grant.SID != sid {
				s.unsubscribe(e.EventSubURL, grant.SID)
			}
			return backoff.Permanent(errEntryRemoved)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		s.retries.Add(1)
		s.logger.Warn("subscription renewal failed, retrying",
			"device_id", e.DeviceID,
			"service", e.Service,
			"retry_in", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, s.newBackOff(), notify)
	switch {
	case err == nil:
		s.renewed.Add(1)
		s.logger.Debug("subscription renewed", "device_id", e.DeviceID, "service", e.Service)

	case errors.Is(err, errEntryRemoved):
		s.logger.Debug("renewal discarded, subscription removed", "device_id", e.DeviceID, "service", e.Service)

	case s.ctx.Err() != nil:
		s.store.Release(sid)

	default:
		failed, ok := s.store.Fail(sid)
		if !ok {
			return
		}
		s.failed.Add(1)
		s.logger.Error("subscription renewal exhausted, device will stop receiving events",
			"device_id", e.DeviceID,
			"service", e.Service,
			"attempts", s.cfg.MaxAttempts,
			"error", err,
		)
		if s.onFailed != nil {
			s.onFailed(failed, err)
		}
	}
}

// renewOnce renews e, falling back to a fresh SUBSCRIBE when the device
// answers 412 because it no longer knows the SID.
func (s *Scheduler) renewOnce(e Entry) (Grant, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	defer cancel()

	grant, err := s.transport.Renew(ctx, e.EventSubURL, e.SID, s.cfg.Timeout)
	if errors.Is(err, ErrPreconditionFailed) {
		s.logger.Info("device forgot subscription, resubscribing",
			"device_id", e.DeviceID,
			"service", e.Service,
		)
		grant, err = s.transport.Subscribe(ctx, e.EventSubURL, e.CallbackURL, s.cfg.Timeout)
		if err == nil {
			s.resubbed.Add(1)
		}
	}
	return grant, err
}

func (s *Scheduler) unsubscribe(eventSubURL, sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	if err := s.transport.Unsubscribe(ctx, eventSubURL, sid); err != nil {
		s.logger.Debug("unsubscribe of orphaned renewal failed", "error", err)
	}
}

func (s *Scheduler) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.InitialBackoff
	exp.MaxInterval = s.cfg.MaxBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.2
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := uint64(s.cfg.MaxAttempts - 1)
	return backoff.WithContext(backoff.WithMaxRetries(exp, retries), s.ctx)
}
