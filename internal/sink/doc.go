// Package sink holds the listeners that carry device events out of the hub.
//
// Each sink exposes Handle, a dispatch.Listener registered for every
// property of a device, and most expose SubscriptionFailed for the
// registry's failure hook:
//
//	MQTTPublisher    graylogic/event/upnp/{device}/{property}
//	MetricsRecorder  InfluxDB upnp_events / upnp_subscriptions
//	HistoryRecorder  SQLite event_history
//	Broadcaster      websocket channel upnp.event
//
// Sinks depend on small interfaces rather than the concrete clients, so
// any of them can be left out when its backend is disabled.
package sink

// Logger is the logging interface used by sinks.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}
