package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)

// Lock coordination errors. A contended Acquire is not an error: it yields a
// Conflict in the acquire result.
var (
	// ErrNotFound is returned when a lock or conflict id is unknown.
	ErrNotFound = errors.New("editlock: not found")
	// ErrNotOwner is returned when a non-owner extends or heartbeats a lock.
	ErrNotOwner = errors.New("editlock: actor does not own the lock")
	// ErrTakeoverDisabled is returned by Takeover when takeovers are not allowed.
	ErrTakeoverDisabled = errors.New("editlock: takeover disabled")
	// ErrNotActive is returned when an operation needs a Locked lock but the
	// lock has already been released or expired.
	ErrNotActive = errors.New("editlock: lock is not active")
	// ErrAlreadyResolved is returned when resolving a conflict twice.
	ErrAlreadyResolved = errors.New("editlock: conflict already resolved")
	// ErrInvalidResolution is returned for an unknown conflict resolution.
	ErrInvalidResolution = errors.New("editlock: invalid resolution")
	// ErrInvalidRequest is returned when an acquire request misses a content
	// id or requester, or names an unknown content type.
	ErrInvalidRequest = errors.New("editlock: invalid request")
)
