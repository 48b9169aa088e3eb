package agent

import "errors"

var (
	// ErrNotRegistered is returned when the relay rejects the device registration.
	ErrNotRegistered = errors.New("agent: registration rejected")

	// ErrInvalidConfig is returned by New for a missing URL or device id.
	ErrInvalidConfig = errors.New("agent: invalid config")
)
