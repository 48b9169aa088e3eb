package session

import "errors"

// Domain errors for the session package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, session.ErrStoreUnavailable) {
//	    // log and continue with the in-memory path
//	}
var (
	// ErrNotFound is returned when a session ID has no Store record.
	ErrNotFound = errors.New("session: not found")

	// ErrStoreUnavailable wraps any backend failure (I/O, driver, network).
	ErrStoreUnavailable = errors.New("session: store unavailable")

	// ErrInvalidSession is returned when a record fails validation.
	ErrInvalidSession = errors.New("session: invalid")

	// ErrInvalidRole is returned when a role value is not recognised.
	ErrInvalidRole = errors.New("session: invalid role")
)
