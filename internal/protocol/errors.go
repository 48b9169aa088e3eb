package protocol

import "errors"

var (
	// ErrMalformedFrame is returned for frames that are not valid JSON objects
	// or lack a required field.
	ErrMalformedFrame = errors.New("protocol: malformed frame")

	// ErrUnknownMessageType is returned for a "type" tag outside the closed set.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")

	// ErrUnsupportedCommand is returned for a command outside the closed set.
	ErrUnsupportedCommand = errors.New("protocol: unsupported command")
)
