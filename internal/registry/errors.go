package registry

import "errors"

var (
	// ErrRoleConflict is returned when a session tries to register as a
	// role other than the one it already holds.
	ErrRoleConflict = errors.New("registry: role conflict")

	// ErrInvalidRegistration is returned when a registration lacks a device id.
	ErrInvalidRegistration = errors.New("registry: invalid registration")

	// ErrEvicted is returned when a frame arrives for a session that was
	// already evicted. Its connection is gone or about to be.
	ErrEvicted = errors.New("registry: session evicted")
)
