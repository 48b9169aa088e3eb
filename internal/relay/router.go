package relay

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/casa-relay/internal/protocol"
	"github.com/nerrad567/casa-relay/internal/registry"
)

// RouterConfig tunes the Router.
type RouterConfig struct {
	// FrameTimeout caps the handling of one inbound frame, including any
	// reconciliation it triggers.
	FrameTimeout time.Duration
}

// Router dispatches inbound frames to their handlers. It implements the
// connection callbacks the gateway drives.
type Router struct {
	registry *registry.Registry
	relay    *CommandRelay
	fanout   *Fanout
	sender   Sender
	timeout  time.Duration
	logger   Logger
	now      func() time.Time
}

// NewRouter wires a router over the registry, relay and fanout.
func NewRouter(reg *registry.Registry, sender Sender, relay *CommandRelay, fanout *Fanout, cfg RouterConfig) *Router {
	timeout := cfg.FrameTimeout
	if timeout <= 0 {
		timeout = DefaultFrameTimeout
	}
	return &Router{
		registry: reg,
		relay:    relay,
		fanout:   fanout,
		sender:   sender,
		timeout:  timeout,
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger.
func (r *Router) SetLogger(logger Logger) {
	r.logger = logger
}

// OnOpen records a new connection.
func (r *Router) OnOpen(ctx context.Context, sessionID string) {
	r.registry.Open(ctx, sessionID)
}

// OnClose evicts the session of a closed connection.
func (r *Router) OnClose(ctx context.Context, sessionID string) {
	r.registry.Evict(ctx, sessionID, registry.ReasonClosed)
}

// OnFrame handles one inbound frame from sessionID.
func (r *Router) OnFrame(ctx context.Context, sessionID string, data []byte) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.registry.Touch(ctx, sessionID)

	frame, err := protocol.Decode(data)
	if err != nil {
		r.reject(ctx, sessionID, err)
		return
	}

	switch f := frame.(type) {
	case protocol.DeviceRegister:
		r.handleDeviceRegister(ctx, sessionID, f)
	case protocol.DeviceHeartbeat:
		r.handleDeviceHeartbeat(ctx, sessionID, f)
	case protocol.ClientRegister:
		r.handleClientRegister(ctx, sessionID, f)
	case protocol.ClientCommand:
		r.handleClientCommand(ctx, sessionID, f)
	case protocol.ClientStatusRequest:
		r.handleClientStatusRequest(ctx, sessionID, f)
	case protocol.Ping:
		r.reply(ctx, sessionID, protocol.NewPong(r.now()))
	case protocol.HealthCheck:
		r.reply(ctx, sessionID, protocol.NewHealthCheckResponse(r.registry.IsBound(sessionID, f.DeviceID)))
	default:
		// Unreachable while Decode and this switch cover the same kinds.
		r.logger.Error("unhandled frame kind", "session_id", sessionID, "kind", frame.Kind())
		r.reply(ctx, sessionID, protocol.NewErrorFrame("unhandled message type"))
	}
}

func (r *Router) handleDeviceRegister(ctx context.Context, sessionID string, f protocol.DeviceRegister) {
	if _, err := r.registry.RegisterDevice(ctx, sessionID, f.DeviceID); err != nil {
		r.logger.Warn("device registration rejected", "session_id", sessionID, "device_id", f.DeviceID, "error", err)
		r.reply(ctx, sessionID, protocol.NewDeviceRegisterResponse(protocol.StatusError, err.Error()))
		return
	}

	r.reply(ctx, sessionID, protocol.NewDeviceRegisterResponse(protocol.StatusSuccess, ""))
	if len(f.Status) > 0 {
		r.fanout.Publish(ctx, f.DeviceID, f.Status, true)
	}
}

// handleDeviceHeartbeat fans the status out unless another session owns the
// device. An unbound device may still report.
func (r *Router) handleDeviceHeartbeat(ctx context.Context, sessionID string, f protocol.DeviceHeartbeat) {
	if owner, bound := r.registry.BoundTo(f.DeviceID); bound && owner != sessionID {
		r.logger.Debug("heartbeat from session that does not own the device",
			"session_id", sessionID, "device_id", f.DeviceID, "owner", owner)
		return
	}
	r.fanout.Publish(ctx, f.DeviceID, f.Status, true)
}

func (r *Router) handleClientRegister(ctx context.Context, sessionID string, f protocol.ClientRegister) {
	if _, err := r.registry.RegisterClient(ctx, sessionID, f.DeviceIDs...); err != nil {
		r.logger.Warn("client registration rejected", "session_id", sessionID, "error", err)
		r.reply(ctx, sessionID, protocol.NewErrorFrame(err.Error()))
	}
}

func (r *Router) handleClientCommand(ctx context.Context, sessionID string, f protocol.ClientCommand) {
	out := r.relay.Relay(ctx, f.DeviceID, f.Command)
	r.reply(ctx, sessionID, protocol.NewCommandResponse(f.DeviceID, out.Status, out.Offline, out.Message))
}

func (r *Router) handleClientStatusRequest(ctx context.Context, sessionID string, f protocol.ClientStatusRequest) {
	out := r.relay.RequestStatus(ctx, sessionID, f.DeviceID)
	r.reply(ctx, sessionID, protocol.NewStatusResponse(f.DeviceID, out.Status, out.OK(), out.Message))
}

func (r *Router) reject(ctx context.Context, sessionID string, err error) {
	msg := "malformed frame"
	if errors.Is(err, protocol.ErrUnknownMessageType) {
		msg = "unknown message type"
	}
	r.logger.Debug("frame rejected", "session_id", sessionID, "error", err)
	r.reply(ctx, sessionID, protocol.NewErrorFrame(msg))
}

// reply sends a response frame. A failed send evicts the session.
// The response is written even after the frame deadline; the transport
// bounds the write itself.
func (r *Router) reply(ctx context.Context, sessionID string, frame any) {
	ctx = context.WithoutCancel(ctx)

	data, err := protocol.Encode(frame)
	if err != nil {
		r.logger.Error("encoding response", "session_id", sessionID, "error", err)
		return
	}
	if err := r.sender.Send(ctx, sessionID, data); err != nil {
		r.logger.Warn("reply failed", "session_id", sessionID, "error", err)
		r.registry.Evict(ctx, sessionID, registry.ReasonSendFailed)
	}
}
