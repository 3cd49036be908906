package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the hub uses.
const TopicPrefix = "graylogic"

// Protocol is the protocol segment for UPnP topics.
const Protocol = "upnp"

// Topics builds the hub's MQTT topics:
//
//	graylogic/event/upnp/{device}/{property}   device events
//	graylogic/health/upnp/{device}             subscription health
//	graylogic/command/upnp/{device}            commands (resubscribe)
//	graylogic/system/status                    hub online/offline (retained)
type Topics struct{}

// Event returns the topic for one property event of a device.
//
// Example: graylogic/event/upnp/kitchen-plug/BinaryState
func (Topics) Event(deviceID, property string) string {
	return fmt.Sprintf("%s/event/%s/%s/%s", TopicPrefix, Protocol, Segment(deviceID), Segment(property))
}

// Health returns the subscription health topic of a device.
//
// Example: graylogic/health/upnp/kitchen-plug
func (Topics) Health(deviceID string) string {
	return fmt.Sprintf("%s/health/%s/%s", TopicPrefix, Protocol, Segment(deviceID))
}

// Command returns the command topic of a device.
//
// Example: graylogic/command/upnp/kitchen-plug
func (Topics) Command(deviceID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, Segment(deviceID))
}

// AllCommands matches the command topic of every device.
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, Protocol)
}

// AllEvents matches every device event.
func (Topics) AllEvents() string {
	return fmt.Sprintf("%s/event/%s/#", TopicPrefix, Protocol)
}

// SystemStatus returns the hub status topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// DeviceFromCommand extracts the device ID from a command topic.
func (Topics) DeviceFromCommand(topic string) (string, bool) {
	prefix := fmt.Sprintf("%s/command/%s/", TopicPrefix, Protocol)
	id, ok := strings.CutPrefix(topic, prefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// segmentReplacer neutralises characters with meaning in topic filters.
var segmentReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_", "\x00", "")

// Segment makes s safe to use as one topic level.
func Segment(s string) string {
	if s == "" {
		return "_"
	}
	return segmentReplacer.Replace(s)
}
