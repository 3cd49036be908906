package sink

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-eventhub/internal/device"
	"github.com/nerrad567/gray-logic-eventhub/internal/dispatch"
	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
	"github.com/nerrad567/gray-logic-eventhub/internal/subscription"
)

// PointWriter is the part of the InfluxDB client the metrics sink needs.
type PointWriter interface {
	WriteEvent(deviceID, service, property, value string, at time.Time)
	WriteSubscriptionState(deviceID, service string, active bool, at time.Time)
}

// MetricsRecorder writes every event as a time-series point.
// Writes are batched by the client and never fail synchronously.
type MetricsRecorder struct {
	w   PointWriter
	now func() time.Time
}

// NewMetricsRecorder creates the sink.
func NewMetricsRecorder(w PointWriter) *MetricsRecorder {
	return &MetricsRecorder{w: w, now: time.Now}
}

// Handle is a dispatch.Listener. Attribute lists are written one point per
// attribute, named after the attribute.
func (m *MetricsRecorder) Handle(ctx context.Context, dev device.Device, p propertyset.Property) error {
	at := m.now()
	service := dispatch.Service(ctx)

	if p.IsAttributeList() {
		for _, a := range p.Attributes {
			m.w.WriteEvent(dev.ID(), service, a.Name, a.Value, at)
		}
		return nil
	}
	m.w.WriteEvent(dev.ID(), service, p.Name, p.Value, at)
	return nil
}

// SubscriptionFailed records the service as inactive.
func (m *MetricsRecorder) SubscriptionFailed(e subscription.Entry, _ error) {
	m.w.WriteSubscriptionState(e.DeviceID, e.Service, false, m.now())
}
