package subscription

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-eventhub/internal/device"
)

// key identifies the single live subscription of a device event service.
type key struct {
	deviceID string
	service  string
}

// Store is the in-memory subscription table.
//
// All methods are safe for concurrent use. Entries are stored and returned
// by value; no caller ever holds a reference into the table.
type Store struct {
	mu    sync.RWMutex
	byKey map[key]Entry
	bySID map[string]key

	now func() time.Time
}

// NewStore creates an empty subscription store.
func NewStore() *Store {
	return &Store{
		byKey: make(map[key]Entry),
		bySID: make(map[string]key),
		now:   time.Now,
	}
}

// Begin records a PENDING entry for the device service.
// It returns the existing entry and false if a live entry already exists.
func (s *Store) Begin(dev device.Device, svc device.EventService, callbackURL string) (Entry, bool) {
	k := key{deviceID: dev.ID(), service: svc.Name}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[k]; ok && existing.State.Live() {
		return existing, false
	}

	e := Entry{
		DeviceID:    k.deviceID,
		Service:     k.service,
		EventSubURL: svc.EventSubURL,
		CallbackURL: callbackURL,
		State:       StatePending,
		CreatedAt:   s.now(),
		Device:      dev,
	}
	s.byKey[k] = e
	return e, true
}

// Put records an ACTIVE entry directly, replacing any previous
// subscription for the same device service.
func (s *Store) Put(sid string, dev device.Device, svc device.EventService, expiry time.Time) Entry {
	k := key{deviceID: dev.ID(), service: svc.Name}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byKey[k]; ok && prev.SID != "" {
		delete(s.bySID, prev.SID)
	}
	if other, ok := s.bySID[sid]; ok && other != k {
		delete(s.byKey, other)
	}

	e := Entry{
		DeviceID:    k.deviceID,
		Service:     k.service,
		EventSubURL: svc.EventSubURL,
		SID:         sid,
		State:       StateActive,
		Timeout:     expiry.Sub(now),
		Expiry:      expiry,
		CreatedAt:   now,
		Device:      dev,
	}
	s.byKey[k] = e
	s.bySID[sid] = k
	return e
}

// Activate moves a PENDING entry to ACTIVE with the granted SID.
// It returns false if the pending entry was removed in the meantime.
func (s *Store) Activate(deviceID, service, sid string, timeout time.Duration) (Entry, bool) {
	k := key{deviceID: deviceID, service: service}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byKey[k]
	if !ok || e.State != StatePending {
		return Entry{}, false
	}
	if other, taken := s.bySID[sid]; taken && other != k {
		delete(s.byKey, other)
	}

	e.SID = sid
	e.State = StateActive
	e.Timeout = timeout
	e.Expiry = s.now().Add(timeout)
	s.byKey[k] = e
	s.bySID[sid] = k
	return e, true
}

// Abort drops a PENDING entry after a failed SUBSCRIBE.
func (s *Store) Abort(deviceID, service string) {
	k := key{deviceID: deviceID, service: service}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byKey[k]; ok && e.State == StatePending {
		delete(s.byKey, k)
	}
}

// Resolve returns the live entry for a SID, or ErrNotFound.
func (s *Store) Resolve(sid string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.bySID[sid]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return s.byKey[k], nil
}

// Get returns the entry for a device service.
func (s *Store) Get(deviceID, service string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byKey[key{deviceID: deviceID, service: service}]
	return e, ok
}

// Remove deletes the entry for a SID. The returned copy is marked EXPIRED.
func (s *Store) Remove(sid string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.bySID[sid]
	if !ok {
		return Entry{}, false
	}
	e := s.byKey[k]
	s.deleteLocked(k, e)
	e.State = StateExpired
	return e, true
}

// RemoveDevice deletes every entry of a device, including pending ones.
// The returned copies are marked EXPIRED.
func (s *Store) RemoveDevice(deviceID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Entry
	for k, e := range s.byKey {
		if k.deviceID != deviceID {
			continue
		}
		s.deleteLocked(k, e)
		e.State = StateExpired
		removed = append(removed, e)
	}
	sortEntries(removed)
	return removed
}

// ExpiringBefore returns ACTIVE entries whose expiry is before deadline,
// soonest first.
func (s *Store) ExpiringBefore(deadline time.Time) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Entry
	for _, e := range s.byKey {
		if e.State == StateActive && e.Expiry.Before(deadline) {
			due = append(due, e)
		}
	}
	slices.SortFunc(due, func(a, b Entry) int {
		return a.Expiry.Compare(b.Expiry)
	})
	return due
}

// BeginRenewal claims an ACTIVE entry for renewal (ACTIVE→RENEWING).
// It returns false if the entry is gone or already claimed.
func (s *Store) BeginRenewal(sid string) (Entry, bool) {
	return s.transition(sid, StateActive, func(e *Entry) {
		e.State = StateRenewing
	})
}

// CompleteRenewal records a successful renewal (RENEWING→ACTIVE). The
// device may have granted a different SID. It returns false, changing
// nothing, if the entry was removed while the renewal was in flight.
func (s *Store) CompleteRenewal(oldSID, newSID string, timeout time.Duration) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.bySID[oldSID]
	if !ok {
		return Entry{}, false
	}
	e := s.byKey[k]
	if e.State != StateRenewing {
		return Entry{}, false
	}

	if newSID != "" && newSID != oldSID {
		delete(s.bySID, oldSID)
		if other, taken := s.bySID[newSID]; taken && other != k {
			delete(s.byKey, other)
		}
		s.bySID[newSID] = k
		e.SID = newSID
	}

	now := s.now()
	if timeout > 0 {
		e.Timeout = timeout
	}
	e.Expiry = now.Add(e.Timeout)
	e.State = StateActive
	e.RenewedAt = now
	e.Renewals++
	s.byKey[k] = e
	return e, true
}

// Release returns a RENEWING entry to ACTIVE without changing it, used
// when a renewal is abandoned on shutdown.
func (s *Store) Release(sid string) (Entry, bool) {
	return s.transition(sid, StateRenewing, func(e *Entry) {
		e.State = StateActive
	})
}

// Fail marks a RENEWING entry FAILED and removes it.
func (s *Store) Fail(sid string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.bySID[sid]
	if !ok {
		return Entry{}, false
	}
	e := s.byKey[k]
	if e.State != StateRenewing {
		return Entry{}, false
	}
	s.deleteLocked(k, e)
	e.State = StateFailed
	return e, true
}

// List returns every entry ordered by device and service.
func (s *Store) List() []Entry {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.byKey))
	for _, e := range s.byKey {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sortEntries(entries)
	return entries
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.byKey)
	clear(s.bySID)
}

func (s *Store) transition(sid string, from State, apply func(*Entry)) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.bySID[sid]
	if !ok {
		return Entry{}, false
	}
	e := s.byKey[k]
	if e.State != from {
		return Entry{}, false
	}
	apply(&e)
	s.byKey[k] = e
	return e, true
}

func (s *Store) deleteLocked(k key, e Entry) {
	delete(s.byKey, k)
	if e.SID != "" && s.bySID[e.SID] == k {
		delete(s.bySID, e.SID)
	}
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		return cmp.Or(
			cmp.Compare(a.DeviceID, b.DeviceID),
			cmp.Compare(a.Service, b.Service),
		)
	})
}
