package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind is the "type" tag of an inbound frame.
type Kind string

// Inbound frame kinds.
const (
	KindDeviceRegister      Kind = "device_register"
	KindDeviceHeartbeat     Kind = "device_heartbeat"
	KindClientRegister      Kind = "client_register"
	KindClientCommand       Kind = "client_command"
	KindClientStatusRequest Kind = "client_status_request"
	KindPing                Kind = "ping"
	KindHealthCheck         Kind = "health_check"
)

// Inbound is implemented only by the seven frame types in this file.
type Inbound interface {
	Kind() Kind
	inbound()
}

// DeviceRegister announces that the session speaks for DeviceID.
type DeviceRegister struct {
	DeviceID string          `json:"deviceId"`
	Status   json.RawMessage `json:"status,omitempty"`
}

// DeviceHeartbeat refreshes liveness and carries the device's current status.
type DeviceHeartbeat struct {
	DeviceID string          `json:"deviceId"`
	Status   json.RawMessage `json:"status,omitempty"`
}

// ClientRegister marks the session as a client, optionally subscribing it.
type ClientRegister struct {
	DeviceIDs []string `json:"deviceIds,omitempty"`
}

// ClientCommand asks the relay to forward Command to DeviceID.
type ClientCommand struct {
	DeviceID string `json:"deviceId"`
	Command  string `json:"command"`
}

// ClientStatusRequest asks the device for a fresh status push.
type ClientStatusRequest struct {
	DeviceID string `json:"deviceId"`
}

// Ping is answered with a pong.
type Ping struct{}

// HealthCheck asks whether the caller's session is bound to DeviceID.
type HealthCheck struct {
	DeviceID string `json:"deviceId"`
}

func (DeviceRegister) Kind() Kind      { return KindDeviceRegister }
func (DeviceHeartbeat) Kind() Kind     { return KindDeviceHeartbeat }
func (ClientRegister) Kind() Kind      { return KindClientRegister }
func (ClientCommand) Kind() Kind       { return KindClientCommand }
func (ClientStatusRequest) Kind() Kind { return KindClientStatusRequest }
func (Ping) Kind() Kind                { return KindPing }
func (HealthCheck) Kind() Kind         { return KindHealthCheck }

func (DeviceRegister) inbound()      {}
func (DeviceHeartbeat) inbound()     {}
func (ClientRegister) inbound()      {}
func (ClientCommand) inbound()       {}
func (ClientStatusRequest) inbound() {}
func (Ping) inbound()                {}
func (HealthCheck) inbound()         {}

type envelope struct {
	Type Kind `json:"type"`
}

// Decode parses one inbound frame.
//
// It returns ErrMalformedFrame for invalid JSON or a missing deviceId, and
// ErrUnknownMessageType for a tag outside the closed set.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	var (
		frame    Inbound
		deviceID *string
	)
	switch env.Type {
	case KindDeviceRegister:
		f := &DeviceRegister{}
		frame, deviceID = f, &f.DeviceID
	case KindDeviceHeartbeat:
		f := &DeviceHeartbeat{}
		frame, deviceID = f, &f.DeviceID
	case KindClientRegister:
		frame = &ClientRegister{}
	case KindClientCommand:
		f := &ClientCommand{}
		frame, deviceID = f, &f.DeviceID
	case KindClientStatusRequest:
		f := &ClientStatusRequest{}
		frame, deviceID = f, &f.DeviceID
	case KindPing:
		return Ping{}, nil
	case KindHealthCheck:
		f := &HealthCheck{}
		frame, deviceID = f, &f.DeviceID
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedFrame, env.Type, err)
	}
	if deviceID != nil && *deviceID == "" {
		return nil, fmt.Errorf("%w: %s: missing deviceId", ErrMalformedFrame, env.Type)
	}
	return deref(frame), nil
}

// deref returns frames by value so callers match on value types.
func deref(f Inbound) Inbound {
	switch v := f.(type) {
	case *DeviceRegister:
		return *v
	case *DeviceHeartbeat:
		return *v
	case *ClientRegister:
		return *v
	case *ClientCommand:
		return *v
	case *ClientStatusRequest:
		return *v
	case *HealthCheck:
		return *v
	default:
		return f
	}
}
