// Package mqtt provides the hub's MQTT client.
//
// The hub publishes every device event it receives to the Gray Logic bus
// and listens for resubscribe commands:
//
//	Device --NOTIFY--> event hub --MQTT--> graylogic/event/upnp/{device}/{property}
//	                            <--MQTT--  graylogic/command/upnp/{device}
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Last Will and Testament on graylogic/system/status
//   - Publishing with QoS and payload size checks
//   - Subscriptions restored after reconnect
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.PublishJSON(mqtt.Topics{}.Event("kitchen-plug", "BinaryState"), msg, false)
//
// TLS should be enabled for brokers outside the local host.
package mqtt
