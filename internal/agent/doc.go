// Package agent is the device side of the relay protocol.
//
// An Agent dials the relay, registers its device id, and then keeps the
// session alive with periodic heartbeats. A periodic health check asks the
// relay whether this session is still bound to the device; a negative answer
// triggers re-registration, which is how a device recovers after the relay
// lost its index.
//
// Command frames are passed to a CommandHandler and the resulting status is
// pushed straight back as a heartbeat. Dropped connections are retried on a
// bounded backoff schedule; a successful registration resets it.
package agent
