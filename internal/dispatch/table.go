package dispatch

import (
	"context"
	"sync"

	"github.com/nerrad567/gray-logic-eventhub/internal/device"
	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
)

// AllEvents is the filter matching every property name.
const AllEvents = ""

// Listener receives one property of an update. The context carries the
// per-invocation deadline.
type Listener func(ctx context.Context, dev device.Device, p propertyset.Property) error

// registration is one (filter, listener) pair.
type registration struct {
	filter string
	fn     Listener
}

func (r registration) matches(name string) bool {
	return r.filter == AllEvents || r.filter == name
}

// Table maps devices to their ordered listeners.
//
// Each device's list is copy-on-write: Add builds a new slice, so a
// snapshot handed to a worker is never mutated afterwards.
type Table struct {
	mu        sync.RWMutex
	listeners map[string][]registration
}

// NewTable creates an empty listener table.
func NewTable() *Table {
	return &Table{listeners: make(map[string][]registration)}
}

// Add appends a listener for a device. filter is a property name or AllEvents.
func (t *Table) Add(deviceID, filter string, fn Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.listeners[deviceID]
	next := make([]registration, len(current), len(current)+1)
	copy(next, current)
	t.listeners[deviceID] = append(next, registration{filter: filter, fn: fn})
}

// snapshot returns the device's listeners as of now. The slice must not
// be modified.
func (t *Table) snapshot(deviceID string) []registration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listeners[deviceID]
}

// Count returns how many listeners a device has.
func (t *Table) Count(deviceID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.listeners[deviceID])
}

// RemoveDevice drops every listener of a device.
func (t *Table) RemoveDevice(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, deviceID)
}

// Clear drops every listener.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.listeners)
}
