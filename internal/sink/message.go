package sink

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-eventhub/internal/device"
	"github.com/nerrad567/gray-logic-eventhub/internal/dispatch"
	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
	"github.com/nerrad567/gray-logic-eventhub/internal/subscription"
)

// EventMessage is the JSON form of one property change, shared by the
// MQTT and websocket sinks.
type EventMessage struct {
	ID         string                  `json:"id"`
	DeviceID   string                  `json:"device_id"`
	DeviceName string                  `json:"device_name,omitempty"`
	Kind       device.Kind             `json:"kind,omitempty"`
	Service    string                  `json:"service,omitempty"`
	Property   string                  `json:"property"`
	Value      string                  `json:"value"`
	Attributes []propertyset.Attribute `json:"attributes,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
}

// NewEventMessage builds the message for p. The service is taken from the
// listener context.
func NewEventMessage(ctx context.Context, dev device.Device, p propertyset.Property, at time.Time) EventMessage {
	msg := EventMessage{
		ID:         uuid.NewString(),
		DeviceID:   dev.ID(),
		Service:    dispatch.Service(ctx),
		Property:   p.Name,
		Value:      p.Value,
		Attributes: p.Attributes,
		Timestamp:  at.UTC(),
	}
	if d, ok := dev.(device.Describer); ok {
		msg.DeviceName = d.Name()
		msg.Kind = d.Kind()
	}
	return msg
}

// HealthMessage reports a subscription that could not be renewed.
type HealthMessage struct {
	DeviceID  string             `json:"device_id"`
	Service   string             `json:"service"`
	State     subscription.State `json:"state"`
	Error     string             `json:"error,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// NewHealthMessage builds the message for a failed entry.
func NewHealthMessage(e subscription.Entry, err error, at time.Time) HealthMessage {
	msg := HealthMessage{
		DeviceID:  e.DeviceID,
		Service:   e.Service,
		State:     subscription.StateFailed,
		Timestamp: at.UTC(),
	}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

// FailureHandler is notified when a subscription lapses.
type FailureHandler func(e subscription.Entry, err error)

// Failures fans one failure out to every handler in order.
func Failures(handlers ...FailureHandler) FailureHandler {
	return func(e subscription.Entry, err error) {
		for _, h := range handlers {
			if h != nil {
				h(e, err)
			}
		}
	}
}
