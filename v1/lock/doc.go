// Package lock coordinates exclusive editing access to content items.
//
// A Coordinator grants time-bounded locks: Acquire either grants immediately
// or reports a Conflict naming the current holder, it never waits. Release,
// Extend, Heartbeat and Takeover move a lock through its lifecycle and every
// transition is recorded in the audit log within the same store transaction.
// At most one lock per content item is Locked at any time.
//
// A Resolver settles the Conflict records produced by contended acquisitions:
// a takeover resolution transfers the lock to the requester, wait and
// dismissed only close the record.
package lock
