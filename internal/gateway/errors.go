package gateway

import "errors"

var (
	// ErrSessionNotConnected is returned when no connection holds the session id.
	ErrSessionNotConnected = errors.New("gateway: session not connected")

	// ErrSendFailed is returned when writing to a connection fails.
	ErrSendFailed = errors.New("gateway: send failed")

	// ErrSendAborted is returned when the caller's context ended before the
	// write started. The connection is left untouched.
	ErrSendAborted = errors.New("gateway: send aborted")
)
