// Package logging provides structured logging for the relay and the device agent.
//
// It wraps log/slog so that every entry carries the service name and build
// version, and so that components can be told apart:
//
//	log := logging.New(cfg.Logging, version)
//	gw := gateway.New(gateway.ConfigFrom(cfg.WebSocket), log.Component("gateway"))
//	log.Warn("session store write failed", "session_id", id, "error", err)
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
package logging
