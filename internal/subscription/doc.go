// Package subscription tracks GENA event subscriptions and keeps them alive.
//
// A subscription belongs to exactly one (device, event service) pair. The
// device assigns an opaque subscription identifier (SID) when it accepts a
// SUBSCRIBE, and that SID is the only key used to resolve inbound NOTIFY
// callbacks back to a device.
//
// # State machine
//
//	         Begin            Activate
//	(none) ───────▶ PENDING ───────────▶ ACTIVE ◀──────────────┐
//	                   │                  │   │                 │ CompleteRenewal
//	                   │ Abort            │   │ BeginRenewal    │
//	                   ▼                  │   ▼                 │
//	                (removed)             │ RENEWING ───────────┘
//	                                      │   │
//	                       Remove/        │   │ Fail
//	                       RemoveDevice   ▼   ▼
//	                                 EXPIRED  FAILED   (both removed)
//
// PENDING→ACTIVE and RENEWING→ACTIVE|FAILED are driven by the device
// transport; every other transition by the registry.
//
// # Components
//
//   - Store: the synchronized subscription table. Entries are returned by
//     value, so a reader always sees either the pre- or post-renewal record.
//   - Scheduler: the background renewal loop. It claims entries close to
//     expiry, renews each on its own goroutine with capped exponential
//     backoff, and falls back to a fresh SUBSCRIBE when the device has
//     forgotten the subscription (HTTP 412).
//   - Transport: the outbound SUBSCRIBE / renew / UNSUBSCRIBE client. The
//     transport/upnp package provides the HTTP implementation.
package subscription
