// Package dispatch fans parsed event updates out to listeners.
//
// A Table holds each device's listeners in registration order. A
// Dispatcher queues every update on a per-device worker, taking a
// snapshot of the listeners at enqueue time, and the worker invokes them
// for each property in payload order.
//
// Listener failures never leave the package: errors, panics and timeouts
// become *ListenerError values that are logged, counted in Stats and passed
// to the optional OnListenerError hook.
package dispatch
