// Package session defines the Session record and the durable Session Store.
//
// A Session is one open connection between the relay and a device or client.
// Its role starts unknown and is promoted on the first registration frame;
// it is never demoted. LastSeen only moves forward.
//
// Three Store implementations are provided:
//   - MemoryStore: process-local, used in tests and single-process deployments
//   - SQLiteStore: durable single-node store backed by the migrations package
//   - RedisStore: shared across relay processes, with native key expiry
//
// Store writes are best-effort from the caller's point of view. Backend
// failures are wrapped in ErrStoreUnavailable so callers can log and continue
// on their in-memory path.
package session
