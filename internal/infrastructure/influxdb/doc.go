// Package influxdb writes event hub telemetry to InfluxDB v2.
//
// Two measurements are written:
//
//	upnp_events         tags device_id, service, property; fields value, numeric
//	upnp_subscriptions  tags device_id, service; field active
//
// Writes are non-blocking and batched per config.yaml (batch_size,
// flush_interval). Asynchronous write failures are reported through
// SetOnError; connection and health check errors are returned directly.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteEvent("kitchen-plug", "basicevent1", "BinaryState", "1", time.Now())
package influxdb
