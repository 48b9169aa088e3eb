package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/casa-relay/internal/protocol"
)

// DeviceStatus is the body of GET /devices/{id}.
type DeviceStatus struct {
	DeviceID  string `json:"deviceId"`
	IsOnline  bool   `json:"isOnline"`
	SessionID string `json:"sessionId,omitempty"`
}

// CommandRequest is the body of POST /devices/{id}/command.
type CommandRequest struct {
	Command string `json:"command"`
}

// handleGetDevice reports whether a live session holds the device, reconciling
// once on an index miss.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	sessionID, ok := s.registry.Lookup(ctx, deviceID)
	writeJSON(w, http.StatusOK, DeviceStatus{DeviceID: deviceID, IsOnline: ok, SessionID: sessionID})
}

// handleDeviceCommand relays a command. The body matches command_response:
// 200 on delivery, 503 when the device is offline, 400 for an unknown command.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeBadRequest(w, r, "command is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	out := s.relay.Relay(ctx, deviceID, req.Command)

	status := http.StatusOK
	switch {
	case out.OK():
	case out.Offline:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, protocol.NewCommandResponse(deviceID, out.Status, out.Offline, out.Message))
}
