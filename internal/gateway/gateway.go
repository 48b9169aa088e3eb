package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/casa-relay/internal/infrastructure/config"
	"github.com/nerrad567/casa-relay/internal/infrastructure/logging"
)

// CloseSuperseded is the close code sent to a session replaced by a newer
// registration.
const CloseSuperseded = 4000

// Handler receives connection events. Calls for one session never overlap.
type Handler interface {
	OnOpen(ctx context.Context, sessionID string)
	OnFrame(ctx context.Context, sessionID string, data []byte)
	OnClose(ctx context.Context, sessionID string)
}

// Config holds the connection timings.
type Config struct {
	MaxMessageSize int64
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
}

// ConfigFrom converts the websocket section of the relay config.
func ConfigFrom(cfg config.WebSocketConfig) Config {
	return Config{
		MaxMessageSize: int64(cfg.MaxMessageSize),
		PingInterval:   time.Duration(cfg.PingInterval) * time.Second,
		PongTimeout:    time.Duration(cfg.PongTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.WriteTimeout) * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 8192
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Gateway owns the live WebSocket connections, keyed by session id.
type Gateway struct {
	cfg      Config
	logger   *logging.Logger
	upgrader websocket.Upgrader
	newID    func() string

	handler Handler
	base    context.Context
	cancel  context.CancelFunc

	mu    sync.RWMutex
	conns map[string]*conn
}

// conn is one upgraded connection.
type conn struct {
	id string
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a gateway. SetHandler must be called before serving.
func New(cfg Config, logger *logging.Logger) *Gateway {
	base, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:    cfg.withDefaults(),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Origin checking is handled by CORS middleware
				return true
			},
		},
		newID:  uuid.NewString,
		base:   base,
		cancel: cancel,
		conns:  make(map[string]*conn),
	}
}

// SetHandler sets the receiver of connection events.
func (g *Gateway) SetHandler(h Handler) {
	g.handler = h
}

// Run blocks until ctx is cancelled, then closes every connection.
func (g *Gateway) Run(ctx context.Context) {
	<-ctx.Done()
	g.Close()
}

// ServeHTTP upgrades the request and starts the connection's loops.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.handler == nil {
		http.Error(w, "gateway not ready", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{id: g.newID(), ws: ws, done: make(chan struct{})}

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()

	g.logger.Debug("session connected", "session_id", c.id, "remote", r.RemoteAddr, "connections", g.ConnectionCount())
	g.handler.OnOpen(g.base, c.id)

	go g.pingLoop(c)
	go g.readLoop(c)
}

// Send writes frame to the session's connection.
// The write is bounded by the configured write timeout and by ctx. A write
// error drops the connection; an already expired ctx does not.
func (g *Gateway) Send(ctx context.Context, sessionID string, frame []byte) error {
	c, ok := g.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotConnected, sessionID)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSendAborted, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	//nolint:errcheck // Best-effort deadline; write error caught below
	c.ws.SetWriteDeadline(g.deadline(ctx))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		g.drop(c)
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

// Ping writes a control ping to the session's connection.
func (g *Gateway) Ping(ctx context.Context, sessionID string) error {
	c, ok := g.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotConnected, sessionID)
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, g.deadline(ctx)); err != nil {
		g.drop(c)
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

// Disconnect closes the session's connection with CloseSuperseded.
func (g *Gateway) Disconnect(sessionID string) error {
	c, ok := g.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotConnected, sessionID)
	}

	msg := websocket.FormatCloseMessage(CloseSuperseded, "superseded")
	//nolint:errcheck // Best-effort close message
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteTimeout))
	g.drop(c)
	return nil
}

// ConnectionCount returns the number of live connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Close disconnects every connection.
func (g *Gateway) Close() {
	g.mu.RLock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		//nolint:errcheck // Best-effort close message
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		g.drop(c)
	}
	g.cancel()
}

func (g *Gateway) lookup(sessionID string) (*conn, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[sessionID]
	return c, ok
}

func (g *Gateway) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(g.cfg.WriteTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// drop removes c from the table and closes its socket. The read loop then
// exits and reports OnClose.
func (g *Gateway) drop(c *conn) {
	g.mu.Lock()
	if g.conns[c.id] == c {
		delete(g.conns, c.id)
	}
	g.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// readLoop reads frames until the connection fails, then reports OnClose.
func (g *Gateway) readLoop(c *conn) {
	defer func() {
		g.drop(c)
		g.handler.OnClose(context.WithoutCancel(g.base), c.id)
		g.logger.Debug("session disconnected", "session_id", c.id, "connections", g.ConnectionCount())
	}()

	wait := g.cfg.PingInterval + g.cfg.PongTimeout
	c.ws.SetReadLimit(g.cfg.MaxMessageSize)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, CloseSuperseded) {
				g.logger.Warn("websocket read error", "session_id", c.id, "error", err)
			}
			return
		}
		// Any frame counts as activity, even from peers that never answer pings.
		//nolint:errcheck // Best-effort deadline reset
		c.ws.SetReadDeadline(time.Now().Add(wait))
		g.handler.OnFrame(g.base, c.id, message)
	}
}

// pingLoop keeps the connection's read deadline alive.
func (g *Gateway) pingLoop(c *conn) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.cfg.WriteTimeout)); err != nil {
				g.drop(c)
				return
			}
		}
	}
}
