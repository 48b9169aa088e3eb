package protocol

import (
	"encoding/json"
	"time"
)

// Outbound frame types and response statuses.
const (
	TypeDeviceRegisterResponse = "device_register_response"
	TypeCommandResponse        = "command_response"
	TypeStatusResponse         = "status_response"
	TypePong                   = "pong"
	TypeHealthCheckResponse    = "health_check_response"
	TypeCommand                = "command"
	TypeStatusRequest          = "status_request"
	TypeStatusUpdate           = "status_update"
	TypeError                  = "error"

	StatusSuccess = "success"
	StatusError   = "error"
)

// DeviceRegisterResponse acknowledges a device_register.
type DeviceRegisterResponse struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// CommandResponse reports the relay outcome of a client_command.
type CommandResponse struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	DeviceID string `json:"deviceId"`
	Offline  bool   `json:"offline,omitempty"`
	Message  string `json:"message,omitempty"`
}

// StatusResponse reports whether a status request reached the device.
type StatusResponse struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	DeviceID string `json:"deviceId"`
	IsOnline bool   `json:"isOnline"`
	Message  string `json:"message,omitempty"`
}

// Pong answers a ping. Timestamp is unix milliseconds.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// HealthCheckResponse answers a health_check.
type HealthCheckResponse struct {
	Type         string `json:"type"`
	IsRegistered bool   `json:"isRegistered"`
}

// CommandFrame is forwarded to a device session.
type CommandFrame struct {
	Type     string  `json:"type"`
	DeviceID string  `json:"deviceId"`
	Command  Command `json:"command"`
}

// StatusRequestFrame asks a device session for a heartbeat.
type StatusRequestFrame struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

// StatusUpdate is fanned out to interested clients.
type StatusUpdate struct {
	Type     string          `json:"type"`
	DeviceID string          `json:"deviceId"`
	Status   json.RawMessage `json:"status,omitempty"`
	IsOnline bool            `json:"isOnline"`
}

// ErrorFrame rejects an inbound frame.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewDeviceRegisterResponse(status, message string) DeviceRegisterResponse {
	return DeviceRegisterResponse{Type: TypeDeviceRegisterResponse, Status: status, Message: message}
}

func NewCommandResponse(deviceID, status string, offline bool, message string) CommandResponse {
	return CommandResponse{Type: TypeCommandResponse, Status: status, DeviceID: deviceID, Offline: offline, Message: message}
}

func NewStatusResponse(deviceID, status string, online bool, message string) StatusResponse {
	return StatusResponse{Type: TypeStatusResponse, Status: status, DeviceID: deviceID, IsOnline: online, Message: message}
}

func NewPong(now time.Time) Pong {
	return Pong{Type: TypePong, Timestamp: now.UnixMilli()}
}

func NewHealthCheckResponse(registered bool) HealthCheckResponse {
	return HealthCheckResponse{Type: TypeHealthCheckResponse, IsRegistered: registered}
}

func NewCommandFrame(deviceID string, c Command) CommandFrame {
	return CommandFrame{Type: TypeCommand, DeviceID: deviceID, Command: c}
}

func NewStatusRequestFrame(deviceID string) StatusRequestFrame {
	return StatusRequestFrame{Type: TypeStatusRequest, DeviceID: deviceID}
}

func NewStatusUpdate(deviceID string, status json.RawMessage, online bool) StatusUpdate {
	return StatusUpdate{Type: TypeStatusUpdate, DeviceID: deviceID, Status: status, IsOnline: online}
}

func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}

// Encode marshals an outbound frame.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}

// PeekType returns the "type" tag of any frame without decoding the rest.
func PeekType(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}
