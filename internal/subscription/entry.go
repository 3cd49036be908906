package subscription

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-eventhub/internal/device"
)

// State is a subscription lifecycle state.
type State string

// Subscription states.
const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateRenewing State = "renewing"
	StateFailed   State = "failed"
	StateExpired  State = "expired"
)

// Live reports whether entries in this state are still held by the Store.
func (s State) Live() bool {
	return s == StatePending || s == StateActive || s == StateRenewing
}

// Entry is one subscription record.
type Entry struct {
	DeviceID    string `json:"device_id"`
	Service     string `json:"service"`
	EventSubURL string `json:"event_sub_url"`
	CallbackURL string `json:"callback_url"`

	// SID is empty while the entry is pending.
	SID     string        `json:"sid,omitempty"`
	State   State         `json:"state"`
	Timeout time.Duration `json:"timeout"`
	Expiry  time.Time     `json:"expiry,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	RenewedAt time.Time `json:"renewed_at,omitzero"`
	Renewals  int       `json:"renewals"`

	// Device is the borrowed device reference.
	Device device.Device `json:"-"`
}

// Grant is a device's answer to a SUBSCRIBE or renewal.
type Grant struct {
	SID     string
	Timeout time.Duration
}

// Transport issues subscription requests to devices.
//
// Implementations return *TransportError on failure, wrapping
// ErrPreconditionFailed when a renewal is answered with HTTP 412.
type Transport interface {
	// Subscribe asks the device to send events for one service to callbackURL.
	Subscribe(ctx context.Context, eventSubURL, callbackURL string, timeout time.Duration) (Grant, error)

	// Renew extends an existing subscription.
	Renew(ctx context.Context, eventSubURL, sid string, timeout time.Duration) (Grant, error)

	// Unsubscribe cancels a subscription.
	Unsubscribe(ctx context.Context, eventSubURL, sid string) error
}
