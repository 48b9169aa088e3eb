package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/casa-relay/internal/backoff"
	"github.com/nerrad567/casa-relay/internal/protocol"
)

const (
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultHealthCheckInterval = 60 * time.Second
	defaultWriteTimeout        = 5 * time.Second
)

// CommandHandler executes a relayed command and returns the device status
// after it.
type CommandHandler interface {
	Handle(ctx context.Context, command protocol.Command) (json.RawMessage, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, command protocol.Command) (json.RawMessage, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, command protocol.Command) (json.RawMessage, error) {
	return f(ctx, command)
}

// StatusFunc reports the device's current status.
type StatusFunc func() json.RawMessage

// Logger defines the logging interface used by the Agent.
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

// Config configures an Agent.
type Config struct {
	URL                 string
	DeviceID            string
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	Backoff             backoff.Policy
}

// deviceFrame is every frame the agent sends.
type deviceFrame struct {
	Type     protocol.Kind   `json:"type"`
	DeviceID string          `json:"deviceId"`
	Status   json.RawMessage `json:"status,omitempty"`
}

// Agent maintains one device session with the relay.
type Agent struct {
	cfg     Config
	handler CommandHandler
	status  StatusFunc
	logger  Logger
	dialer  *websocket.Dialer
	sleep   backoff.Sleeper
}

// New creates an agent for cfg.DeviceID.
func New(cfg Config, handler CommandHandler, status StatusFunc) (*Agent, error) {
	if cfg.URL == "" || cfg.DeviceID == "" {
		return nil, fmt.Errorf("%w: url and device id are required", ErrInvalidConfig)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.DefaultPolicy
	}
	if status == nil {
		status = func() json.RawMessage { return nil }
	}

	return &Agent{
		cfg:     cfg,
		handler: handler,
		status:  status,
		logger:  noopLogger{},
		dialer:  websocket.DefaultDialer,
		sleep:   backoff.TimerSleep,
	}, nil
}

// SetLogger sets the logger.
func (a *Agent) SetLogger(logger Logger) {
	a.logger = logger
}

// Run keeps the device connected until ctx ends or the backoff schedule is
// exhausted. A give-up error wraps both backoff.ErrGaveUp and the last
// session error.
func (a *Agent) Run(ctx context.Context) error {
	m := backoff.New(a.cfg.Backoff)

	for {
		registered, err := a.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			m.Reset()
		}
		a.logger.Warn("relay session ended", "device_id", a.cfg.DeviceID, "error", err, "attempt", m.Attempts()+1)

		if werr := m.Wait(ctx, a.sleep); werr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", werr, err)
		}
	}
}

type inbound struct {
	data []byte
	err  error
}

// session runs one connection. It reports whether the relay accepted the
// registration at least once.
func (a *Agent) session(ctx context.Context) (bool, error) {
	ws, _, err := a.dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing relay: %w", err)
	}
	defer ws.Close()

	frames := make(chan inbound, 1)
	done := make(chan struct{})
	defer close(done)
	go readFrames(ws, frames, done)

	if err := a.write(ws, protocol.KindDeviceRegister, a.status()); err != nil {
		return false, err
	}

	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	health := time.NewTicker(a.cfg.HealthCheckInterval)
	defer health.Stop()

	registered := false
	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			//nolint:errcheck // Best-effort close message
			ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return registered, ctx.Err()

		case <-heartbeat.C:
			if err := a.write(ws, protocol.KindDeviceHeartbeat, a.status()); err != nil {
				return registered, err
			}

		case <-health.C:
			if err := a.write(ws, protocol.KindHealthCheck, nil); err != nil {
				return registered, err
			}

		case in := <-frames:
			if in.err != nil {
				return registered, fmt.Errorf("reading from relay: %w", in.err)
			}
			ok, err := a.handle(ctx, ws, in.data)
			if err != nil {
				return registered, err
			}
			if ok && !registered {
				registered = true
				a.logger.Info("device registered", "device_id", a.cfg.DeviceID)
			}
		}
	}
}

// handle processes one relay frame. It reports whether the frame confirmed
// a registration.
func (a *Agent) handle(ctx context.Context, ws *websocket.Conn, data []byte) (bool, error) {
	typ, err := protocol.PeekType(data)
	if err != nil {
		a.logger.Warn("ignoring frame from relay", "error", err)
		return false, nil
	}

	switch typ {
	case protocol.TypeDeviceRegisterResponse:
		var resp protocol.DeviceRegisterResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return false, fmt.Errorf("decoding registration response: %w", err)
		}
		if resp.Status != protocol.StatusSuccess {
			return false, fmt.Errorf("%w: %s", ErrNotRegistered, resp.Message)
		}
		return true, nil

	case protocol.TypeHealthCheckResponse:
		var resp protocol.HealthCheckResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return false, fmt.Errorf("decoding health check response: %w", err)
		}
		if !resp.IsRegistered {
			a.logger.Info("relay lost registration, registering again", "device_id", a.cfg.DeviceID)
			return false, a.write(ws, protocol.KindDeviceRegister, a.status())
		}

	case protocol.TypeCommand:
		var cmd protocol.CommandFrame
		if err := json.Unmarshal(data, &cmd); err != nil {
			return false, fmt.Errorf("decoding command: %w", err)
		}
		return false, a.runCommand(ctx, ws, cmd.Command)

	case protocol.TypeStatusRequest:
		return false, a.write(ws, protocol.KindDeviceHeartbeat, a.status())

	case protocol.TypePong:

	default:
		a.logger.Debug("unhandled relay frame", "type", typ)
	}
	return false, nil
}

func (a *Agent) runCommand(ctx context.Context, ws *websocket.Conn, command protocol.Command) error {
	if a.handler == nil {
		a.logger.Warn("no command handler", "command", command)
		return nil
	}

	status, err := a.handler.Handle(ctx, command)
	if err != nil {
		a.logger.Warn("command failed", "device_id", a.cfg.DeviceID, "command", command, "error", err)
		status = a.status()
	}
	a.logger.Info("command executed", "device_id", a.cfg.DeviceID, "command", command)
	return a.write(ws, protocol.KindDeviceHeartbeat, status)
}

func (a *Agent) write(ws *websocket.Conn, kind protocol.Kind, status json.RawMessage) error {
	data, err := json.Marshal(deviceFrame{Type: kind, DeviceID: a.cfg.DeviceID, Status: status})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", kind, err)
	}

	//nolint:errcheck // Best-effort deadline; write error caught below
	ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", kind, err)
	}
	return nil
}

func readFrames(ws *websocket.Conn, out chan<- inbound, done <-chan struct{}) {
	for {
		_, data, err := ws.ReadMessage()
		select {
		case out <- inbound{data: data, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}
