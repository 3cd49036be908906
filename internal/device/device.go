package device

import (
	"maps"
	"sync"

	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
)

// Well-known event service names.
const (
	ServiceBasicEvent = "basicevent"
	ServiceInsight    = "insight"
)

// Kind identifies a device implementation.
type Kind string

// Supported kinds.
const (
	KindSwitch     Kind = "switch"
	KindInsight    Kind = "insight"
	KindAttributes Kind = "attributes"
	KindGeneric    Kind = "generic"
)

// AllKinds returns every supported kind.
func AllKinds() []Kind {
	return []Kind{KindSwitch, KindInsight, KindAttributes, KindGeneric}
}

// EventService is one eventing endpoint exposed by a device.
type EventService struct {
	// Name is the event category, also used as the callback path segment.
	Name string `json:"name"`

	// EventSubURL is the absolute URL accepting SUBSCRIBE requests.
	EventSubURL string `json:"event_sub_url"`
}

// Device is the capability the hub requires from a device.
type Device interface {
	ID() string
	Host() string
	EventServices() []EventService

	// ApplyUpdate absorbs one property and reports whether it was understood.
	// It must not panic for any input.
	ApplyUpdate(p propertyset.Property) bool
}

// Describer is implemented by devices that can report a name, kind and state.
// The REST API uses it when present.
type Describer interface {
	Name() string
	Kind() Kind
	State() State
}

// State is a snapshot of the values a device has absorbed.
type State map[string]any

// base carries the identity and state shared by all kinds.
type base struct {
	id       string
	name     string
	kind     Kind
	host     string
	services []EventService

	mu    sync.RWMutex
	state State
}

func newBase(spec Spec, services []EventService) base {
	return base{
		id:       spec.ID,
		name:     spec.Name,
		kind:     spec.Kind,
		host:     spec.Host,
		services: services,
		state:    State{},
	}
}

func (b *base) ID() string   { return b.id }
func (b *base) Host() string { return b.host }
func (b *base) Name() string { return b.name }
func (b *base) Kind() Kind   { return b.kind }

// EventServices returns a copy of the configured event services.
func (b *base) EventServices() []EventService {
	out := make([]EventService, len(b.services))
	copy(out, b.services)
	return out
}

// State returns a copy of the current state.
func (b *base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.state)
}

func (b *base) set(key string, value any) {
	b.mu.Lock()
	b.state[key] = value
	b.mu.Unlock()
}

func (b *base) setAll(values State) {
	b.mu.Lock()
	maps.Copy(b.state, values)
	b.mu.Unlock()
}
