package influxdb

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the hub.
const (
	MeasurementEvent        = "upnp_events"
	MeasurementSubscription = "upnp_subscriptions"
)

// WriteEvent records one evented property change.
//
// The raw value is stored in the "value" field. When the value, or its
// first pipe-separated field, parses as a finite number it is also stored
// in "numeric" so it can be graphed.
//
// Example:
//
//	client.WriteEvent("kitchen-plug", "basicevent1", "BinaryState", "1", time.Now())
func (c *Client) WriteEvent(deviceID, service, property, value string, at time.Time) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]any{"value": value}
	if n, ok := numericValue(value); ok {
		fields["numeric"] = n
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementEvent,
		map[string]string{
			"device_id": deviceID,
			"service":   service,
			"property":  property,
		},
		fields,
		at,
	))
}

// WriteSubscriptionState records whether a service subscription is active.
// Renewal failures are written with active=false so gaps in eventing are
// visible next to the event series.
func (c *Client) WriteSubscriptionState(deviceID, service string, active bool, at time.Time) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementSubscription,
		map[string]string{
			"device_id": deviceID,
			"service":   service,
		},
		map[string]any{"active": active},
		at,
	))
}

func numericValue(value string) (float64, bool) {
	head, _, _ := strings.Cut(value, "|")
	n, err := strconv.ParseFloat(strings.TrimSpace(head), 64)
	// Line protocol has no encoding for NaN or infinities.
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}
