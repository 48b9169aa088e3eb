// Package influxdb provides InfluxDB connectivity for relay telemetry.
//
// It wraps the official influxdb-client-go v2 library: connection with a
// ping, a non-blocking batched write API, and an async error callback.
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry stays in-process
//	}
//	defer client.Close()
//
//	client.WriteEvent("relay_hit", nil)
//
// Writes are batched according to config.yaml (batch_size, flush_interval).
package influxdb
