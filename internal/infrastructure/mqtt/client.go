package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/casa-relay/internal/infrastructure/config"
)

// Logger is satisfied by logging.Logger and slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MessageHandler receives one message. It runs on a paho goroutine and
// must not block; a returned error is logged.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client is the relay's broker connection for the vendor command mirror.
//
// Subscriptions are remembered and replayed after every reconnect, and the
// relay's online/offline status is kept retained on casa/system/status.
// Safe for concurrent use.
type Client struct {
	paho pahomqtt.Client
	cfg  config.MQTTConfig

	connected atomic.Bool
	logger    atomic.Pointer[Logger]

	mu   sync.Mutex
	subs map[string]subscription
}

func newClient(cfg config.MQTTConfig) *Client {
	c := &Client{cfg: cfg, subs: make(map[string]subscription)}
	c.SetLogger(noopLogger{})
	return c
}

// Connect dials the broker and waits for the first CONNACK.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.onConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.onConnectionLost(err) })

	c.paho = pahomqtt.NewClient(opts)
	if err := await(c.paho.Connect(), defaultConnectTimeout); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously.
	c.connected.Store(true)
	return c, nil
}

// await waits for token; a timeout is reported as an error.
func await(token pahomqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timeout after %v", timeout)
	}
	return token.Error()
}

func (c *Client) onConnect() {
	c.connected.Store(true)

	c.mu.Lock()
	for topic, sub := range c.subs {
		c.paho.Subscribe(topic, sub.qos, c.dispatch(sub.handler))
	}
	restored := len(c.subs)
	c.mu.Unlock()

	c.paho.Publish(Topics{}.SystemStatus(), c.QoS(), true, buildStatusPayload(c.cfg.Broker.ClientID, "online", ""))
	c.log().Info("mqtt connected", "client_id", c.cfg.Broker.ClientID, "subscriptions", restored)
}

func (c *Client) onConnectionLost(err error) {
	c.connected.Store(false)
	c.log().Warn("mqtt connection lost", "error", err)
}

// dispatch adapts a MessageHandler to paho, logging errors and panics.
func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("mqtt handler panic", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log().Warn("mqtt handler failed", "topic", msg.Topic(), "error", err)
		}
	}
}

// Close publishes a retained offline status and disconnects. Safe to call
// on a client that never connected.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		payload := buildStatusPayload(c.cfg.Broker.ClientID, "offline", "graceful_shutdown")
		_ = await(c.paho.Publish(Topics{}.SystemStatus(), c.QoS(), true, payload), defaultPublishTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the last known link state.
func (c *Client) IsConnected() bool {
	return c.paho != nil && c.connected.Load() && c.paho.IsConnected()
}

// SetLogger sets the logger for connection events and handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.logger.Store(&logger)
}

func (c *Client) log() Logger {
	if l := c.logger.Load(); l != nil {
		return *l
	}
	return noopLogger{}
}
