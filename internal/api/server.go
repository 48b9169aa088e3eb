package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/casa-relay/internal/infrastructure/config"
	"github.com/nerrad567/casa-relay/internal/infrastructure/database"
	"github.com/nerrad567/casa-relay/internal/infrastructure/logging"
	"github.com/nerrad567/casa-relay/internal/registry"
	"github.com/nerrad567/casa-relay/internal/relay"
	"github.com/nerrad567/casa-relay/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Gateway is the WebSocket transport mounted at the websocket path.
type Gateway interface {
	http.Handler
	ConnectionCount() int
}

// BrokerStatus reports the vendor MQTT connection.
type BrokerStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config         config.APIConfig
	WSPath         string
	Logger         *logging.Logger
	Registry       *registry.Registry
	Relay          *relay.CommandRelay
	Gateway        Gateway
	Counters       *telemetry.Counters // optional: served by /metrics
	MQTT           BrokerStatus        // optional
	DB             *database.DB        // optional: pool stats in /metrics
	CommandTimeout time.Duration
	Version        string
}

// Server is the HTTP API server for the relay.
type Server struct {
	cfg            config.APIConfig
	wsPath         string
	logger         *logging.Logger
	registry       *registry.Registry
	relay          *relay.CommandRelay
	gateway        Gateway
	counters       *telemetry.Counters
	mqtt           BrokerStatus
	db             *database.DB
	commandTimeout time.Duration
	version        string
	startTime      time.Time
	server         *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if deps.Relay == nil {
		return nil, fmt.Errorf("command relay is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}

	wsPath := deps.WSPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	timeout := deps.CommandTimeout
	if timeout <= 0 {
		timeout = relay.DefaultFrameTimeout
	}

	return &Server{
		cfg:            deps.Config,
		wsPath:         wsPath,
		logger:         deps.Logger,
		registry:       deps.Registry,
		relay:          deps.Relay,
		gateway:        deps.Gateway,
		counters:       deps.Counters,
		mqtt:           deps.MQTT,
		db:             deps.DB,
		commandTimeout: timeout,
		version:        deps.Version,
		startTime:      time.Now(),
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr, "websocket", s.wsPath)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
