// Package gateway is the WebSocket transport for device and client sessions.
//
// Each upgraded connection gets a fresh session id and a read loop that hands
// frames, one at a time, to a Handler. Outbound frames are written
// synchronously under a per-connection lock with a bounded deadline, so a
// caller learns immediately whether delivery failed. A failed write closes
// the connection.
//
// Ping writes a control ping and is what the registry uses to probe a stored
// session for liveness.
package gateway
