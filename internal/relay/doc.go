// Package relay routes inbound frames and moves commands and status between
// devices and clients.
//
// A Router decodes each frame and dispatches it to the handler for its kind.
// Commands go through a CommandRelay, which finds the device's live session
// through the registry (reconciling once on a miss) and forwards the command
// frame. Heartbeats go through a Fanout, which delivers a status update to each
// interested client independently.
//
// Transport send failures are treated as proof that the recipient is dead: the
// recipient is evicted and the caller sees an offline outcome, never the raw
// transport error.
package relay
