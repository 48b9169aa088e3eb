package relay

import "errors"

// ErrDeviceOffline is returned when no live session is bound to the device.
var ErrDeviceOffline = errors.New("relay: device offline")
