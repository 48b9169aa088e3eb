// Package api implements the operational HTTP surface of the Casa relay.
//
// This package provides:
//   - Health and metrics endpoints (store health, index counts, event counters)
//   - A snapshot of the in-process session index, and a reset that forces the
//     next lookup to rebuild it from the Session Store
//   - A REST entry to the command relay with the same outcome body as the
//     command_response frame
//   - The WebSocket upgrade into the gateway
//   - Middleware stack (request ID, logging, recovery, CORS, body size limit)
//
// # Graceful Degradation
//
// The server operates without MQTT or InfluxDB. A failing Session Store
// reports "degraded" health while relaying continues from the index.
package api
