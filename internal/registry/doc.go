// Package registry tracks which session currently speaks for each device
// and which clients want to hear about it.
//
// It is built from four parts:
//   - Index: the process-local cache of sessions, device bindings and
//     subscriptions. Lost on restart, rebuilt on demand.
//   - Validator: probes a session through the transport; any delivery
//     failure means the session is dead.
//   - Reconciler: on an Index miss, scans the Store for recent sessions,
//     probes them, repopulates the Index and deletes the dead ones.
//   - Registry: the facade the relay uses. It keeps Index and Store in step
//     and absorbs Store failures.
//
// The Store is the source of truth shared between processes. The Index is
// never trusted on a miss without one reconciliation pass first. Local
// mutexes guard map memory only; there is no cross-process locking, and
// every mutation is an idempotent upsert or delete keyed by session id.
package registry
