package sink

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-eventhub/internal/device"
	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
	"github.com/nerrad567/gray-logic-eventhub/internal/subscription"
)

// Websocket channels.
const (
	ChannelEvent              = "upnp.event"
	ChannelSubscriptionFailed = "upnp.subscription_failed"
)

// Hub is the part of the websocket hub the broadcaster needs.
type Hub interface {
	Broadcast(channel string, payload any)
}

// Broadcaster relays events to websocket clients.
type Broadcaster struct {
	hub Hub
	now func() time.Time
}

// NewBroadcaster creates the sink.
func NewBroadcaster(hub Hub) *Broadcaster {
	return &Broadcaster{hub: hub, now: time.Now}
}

// Handle is a dispatch.Listener.
func (b *Broadcaster) Handle(ctx context.Context, dev device.Device, p propertyset.Property) error {
	b.hub.Broadcast(ChannelEvent, NewEventMessage(ctx, dev, p, b.now()))
	return nil
}

// SubscriptionFailed relays a health notice.
func (b *Broadcaster) SubscriptionFailed(e subscription.Entry, err error) {
	b.hub.Broadcast(ChannelSubscriptionFailed, NewHealthMessage(e, err, b.now()))
}
