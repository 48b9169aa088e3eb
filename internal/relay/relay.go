package relay

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/casa-relay/internal/protocol"
	"github.com/nerrad567/casa-relay/internal/registry"
	"github.com/nerrad567/casa-relay/internal/telemetry"
	"github.com/nerrad567/casa-relay/internal/vendor"
)

// Human-readable outcome messages.
const (
	MessageOffline         = "Device is offline or not connected"
	MessageUnsupported     = "unsupported command"
	MessageStatusRequested = "Status request sent to device"
)

const (
	DefaultFrameTimeout      = 10 * time.Second
	DefaultFanoutConcurrency = 16

	vendorTimeout = 5 * time.Second
)

// Sender delivers an encoded frame to one session.
type Sender interface {
	Send(ctx context.Context, sessionID string, frame []byte) error
}

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Outcome is the synchronous result of a relay call.
//
// Status "success" means the frame was handed to the device's session, not
// that the device acted on it.
type Outcome struct {
	Status  string `json:"status"`
	Offline bool   `json:"offline,omitempty"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the frame reached the device session.
func (o Outcome) OK() bool { return o.Status == protocol.StatusSuccess }

// Err maps a failed outcome to ErrDeviceOffline or protocol.ErrUnsupportedCommand.
func (o Outcome) Err() error {
	switch {
	case o.OK():
		return nil
	case o.Offline:
		return ErrDeviceOffline
	default:
		return protocol.ErrUnsupportedCommand
	}
}

func offline() Outcome {
	return Outcome{Status: protocol.StatusError, Offline: true, Message: MessageOffline}
}

// CommandRelay forwards commands and status requests to device sessions.
type CommandRelay struct {
	registry *registry.Registry
	sender   Sender
	vendor   vendor.Commander
	logger   Logger
	sink     telemetry.Sink
}

// NewCommandRelay creates a relay. A nil commander means no vendor mirror.
func NewCommandRelay(reg *registry.Registry, sender Sender, commander vendor.Commander) *CommandRelay {
	if commander == nil {
		commander = vendor.Noop{}
	}
	return &CommandRelay{
		registry: reg,
		sender:   sender,
		vendor:   commander,
		logger:   noopLogger{},
		sink:     telemetry.Noop{},
	}
}

// SetLogger sets the logger.
func (c *CommandRelay) SetLogger(logger Logger) {
	c.logger = logger
}

// SetSink sets the telemetry sink.
func (c *CommandRelay) SetSink(sink telemetry.Sink) {
	c.sink = sink
}

// Relay forwards command to the session bound to deviceID.
//
// A miss after one reconciliation pass, or a failed send, yields an offline
// outcome immediately. A failed send also evicts the device session.
func (c *CommandRelay) Relay(ctx context.Context, deviceID, command string) Outcome {
	cmd, err := protocol.ParseCommand(command)
	if err != nil {
		c.logger.Debug("rejected command", "device_id", deviceID, "command", command)
		return Outcome{Status: protocol.StatusError, Message: MessageUnsupported}
	}

	frame, err := protocol.Encode(protocol.NewCommandFrame(deviceID, cmd))
	if err != nil {
		c.logger.Error("encoding command frame", "device_id", deviceID, "error", err)
		return Outcome{Status: protocol.StatusError, Message: err.Error()}
	}

	if !c.deliver(ctx, deviceID, frame) {
		return offline()
	}

	c.mirror(ctx, deviceID, string(cmd))
	c.logger.Info("command relayed", "device_id", deviceID, "command", cmd)
	return Outcome{Status: protocol.StatusSuccess}
}

// RequestStatus subscribes clientID to deviceID and asks the device for a
// heartbeat. The status itself arrives later through fanout.
func (c *CommandRelay) RequestStatus(ctx context.Context, clientID, deviceID string) Outcome {
	c.registry.Subscribe(clientID, deviceID)

	frame, err := protocol.Encode(protocol.NewStatusRequestFrame(deviceID))
	if err != nil {
		c.logger.Error("encoding status request", "device_id", deviceID, "error", err)
		return Outcome{Status: protocol.StatusError, Message: err.Error()}
	}

	if !c.deliver(ctx, deviceID, frame) {
		return offline()
	}
	return Outcome{Status: protocol.StatusSuccess, Message: MessageStatusRequested}
}

// deliver sends frame to deviceID's session and reports whether it was handed over.
func (c *CommandRelay) deliver(ctx context.Context, deviceID string, frame []byte) bool {
	sessionID, ok := c.registry.Lookup(ctx, deviceID)
	if !ok {
		c.sink.Incr(telemetry.EventRelayMiss, telemetry.Tags{"cause": "unbound"})
		c.logger.Debug("device not bound", "device_id", deviceID)
		return false
	}

	if err := c.sender.Send(ctx, sessionID, frame); err != nil {
		if aborted(err) {
			c.logger.Warn("frame budget spent before send", "session_id", sessionID, "device_id", deviceID, "error", err)
			c.sink.Incr(telemetry.EventRelayMiss, telemetry.Tags{"cause": "timeout"})
			return false
		}
		c.logger.Warn("send to device failed", "session_id", sessionID, "device_id", deviceID, "error", err)
		c.registry.Evict(context.WithoutCancel(ctx), sessionID, registry.ReasonSendFailed)
		c.sink.Incr(telemetry.EventRelayMiss, telemetry.Tags{"cause": "send_failed"})
		return false
	}

	c.sink.Incr(telemetry.EventRelayHit, nil)
	return true
}

// aborted reports whether a send failed only because the caller's context
// ended. That says nothing about the recipient, so it never evicts.
func aborted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *CommandRelay) mirror(ctx context.Context, deviceID, command string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), vendorTimeout)
	defer cancel()

	if err := c.vendor.Send(ctx, deviceID, command); err != nil {
		c.logger.Warn("vendor command failed", "device_id", deviceID, "command", command, "error", err)
	}
}
