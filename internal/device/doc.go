// Package device defines the capability the event hub needs from a device
// and the device kinds the eventhub binary ships with.
//
// The hub never depends on a concrete device. It only needs:
//
//   - ID: a stable identifier, unique within a registry
//   - Host: the base network address ("host:port")
//   - EventServices: one eventing endpoint per event category
//   - ApplyUpdate: absorb one property from a NOTIFY payload
//
// # Kinds
//
//	┌────────────┬──────────────────────────┬───────────────────────────────┐
//	│ Kind       │ Default event services   │ Properties understood         │
//	├────────────┼──────────────────────────┼───────────────────────────────┤
//	│ switch     │ basicevent               │ BinaryState                   │
//	│ insight    │ basicevent, insight      │ BinaryState, InsightParams    │
//	│ attributes │ basicevent               │ BinaryState, attributeList    │
//	│ generic    │ (must be configured)     │ everything, stored raw        │
//	└────────────┴──────────────────────────┴───────────────────────────────┘
//
// Event payloads come from the network and are not trusted. Every kind
// accepts every value the propertyset parser can produce: empty strings,
// non-numeric text, degraded attribute lists. Values that cannot be
// interpreted are ignored and ApplyUpdate reports false.
//
// # Thread Safety
//
// All kinds are safe for concurrent use. ApplyUpdate is called from the
// dispatch worker while the REST API reads State.
package device
