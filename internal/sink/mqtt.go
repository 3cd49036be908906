package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-eventhub/internal/device"
	"github.com/nerrad567/gray-logic-eventhub/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
	"github.com/nerrad567/gray-logic-eventhub/internal/subscription"
)

// Publisher is the part of the MQTT client the publisher sink needs.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// MQTTPublisher publishes events to graylogic/event/upnp/{device}/{property}
// and failed subscriptions to graylogic/health/upnp/{device}.
type MQTTPublisher struct {
	pub    Publisher
	retain bool
	logger Logger
	now    func() time.Time
}

// NewMQTTPublisher creates the sink. When retain is set event messages are
// retained so late subscribers see the last value of each property.
func NewMQTTPublisher(pub Publisher, retain bool) *MQTTPublisher {
	return &MQTTPublisher{pub: pub, retain: retain, logger: noopLogger{}, now: time.Now}
}

// SetLogger sets the logger used for failure notices that could not be sent.
func (m *MQTTPublisher) SetLogger(logger Logger) {
	m.logger = logger
}

// Handle is a dispatch.Listener.
func (m *MQTTPublisher) Handle(ctx context.Context, dev device.Device, p propertyset.Property) error {
	msg := NewEventMessage(ctx, dev, p, m.now())
	if err := m.pub.PublishJSON(mqtt.Topics{}.Event(dev.ID(), p.Name), msg, m.retain); err != nil {
		return fmt.Errorf("publishing %s event: %w", p.Name, err)
	}
	return nil
}

// SubscriptionFailed publishes a retained health notice.
func (m *MQTTPublisher) SubscriptionFailed(e subscription.Entry, cause error) {
	msg := NewHealthMessage(e, cause, m.now())
	if err := m.pub.PublishJSON(mqtt.Topics{}.Health(e.DeviceID), msg, true); err != nil {
		m.logger.Warn("failed to publish subscription health", "device_id", e.DeviceID, "service", e.Service, "error", err)
	}
}
