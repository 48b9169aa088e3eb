// Casa Relay - connection registry and command relay for home devices.
//
// Devices and clients connect over WebSocket. The relay records which
// session owns which device, forwards client commands to the owning device
// and fans device status out to interested clients. Session state survives
// restarts through a pluggable durable store (SQLite, Redis or memory).
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	_ "github.com/nerrad567/casa-relay/migrations"

	"github.com/nerrad567/casa-relay/internal/api"
	"github.com/nerrad567/casa-relay/internal/gateway"
	"github.com/nerrad567/casa-relay/internal/infrastructure/config"
	"github.com/nerrad567/casa-relay/internal/infrastructure/database"
	"github.com/nerrad567/casa-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/casa-relay/internal/infrastructure/logging"
	"github.com/nerrad567/casa-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/casa-relay/internal/registry"
	"github.com/nerrad567/casa-relay/internal/relay"
	"github.com/nerrad567/casa-relay/internal/session"
	"github.com/nerrad567/casa-relay/internal/telemetry"
	"github.com/nerrad567/casa-relay/internal/vendor"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Casa relay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Session Store
	store, db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing session store", "backend", cfg.Store.Backend)
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing session store", "error", closeErr)
		}
		if db != nil {
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}
	}()

	if reaper, ok := store.(session.Reaper); ok && cfg.Store.ReapInterval > 0 {
		go reapLoop(ctx, reaper, cfg.Store.ReapInterval, log)
	}

	// Telemetry: in-process counters always, InfluxDB when enabled
	counters := telemetry.NewCounters()
	sinks := telemetry.Multi{counters}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		sinks = append(sinks, telemetry.NewInfluxSink(influxClient, cfg.Site.ID))
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Vendor command mirror over MQTT (optional)
	var commander vendor.Commander = vendor.Noop{}
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))

		mc := vendor.NewMQTTCommander(mqttClient, mqttClient.QoS())
		mc.SetLogger(log.Component("vendor"))
		if watchErr := mc.WatchAcks(mqttClient); watchErr != nil {
			return fmt.Errorf("subscribing to vendor acks: %w", watchErr)
		}
		commander = mc
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT vendor mirror disabled")
	}

	// Connection layer, registry and relay
	gw := gateway.New(gateway.ConfigFrom(cfg.WebSocket), log.Component("gateway"))

	reg := registry.New(store, gw, registry.Config{
		ReconcileWindow:  cfg.Relay.ReconcileWindow,
		ScanTimeout:      cfg.Relay.ScanTimeout,
		ProbeTimeout:     cfg.Relay.ProbeTimeout,
		ProbeConcurrency: cfg.Relay.ProbeConcurrency,
		StoreTimeout:     cfg.Relay.StoreTimeout,
	})
	reg.SetLogger(log.Component("registry"))
	reg.SetSink(sinks)

	commandRelay := relay.NewCommandRelay(reg, gw, commander)
	commandRelay.SetLogger(log.Component("relay"))
	commandRelay.SetSink(sinks)

	fanout := relay.NewFanout(reg, gw, cfg.Relay.FanoutConcurrency)
	fanout.SetLogger(log.Component("fanout"))
	fanout.SetSink(sinks)

	router := relay.NewRouter(reg, gw, commandRelay, fanout, relay.RouterConfig{
		FrameTimeout: cfg.Relay.FrameTimeout,
	})
	router.SetLogger(log.Component("router"))
	gw.SetHandler(router)

	gwCtx, stopGateway := context.WithCancel(ctx)
	gwDone := make(chan struct{})
	go func() {
		defer close(gwDone)
		gw.Run(gwCtx)
	}()
	defer func() {
		log.Info("closing WebSocket gateway")
		stopGateway()
		<-gwDone
	}()

	deps := api.Deps{
		Config:         cfg.API,
		WSPath:         cfg.WebSocket.Path,
		Logger:         log.Component("api"),
		Registry:       reg,
		Relay:          commandRelay,
		Gateway:        gw,
		Counters:       counters,
		DB:             db,
		CommandTimeout: cfg.Relay.FrameTimeout,
		Version:        version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	apiServer, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, store, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server
	// 2. WebSocket gateway
	// 3. MQTT and InfluxDB (if enabled)
	// 4. Session store and database

	log.Info("Casa relay stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses CASA_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("CASA_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openStore builds the configured Session Store. The returned database is
// non-nil only for the sqlite backend and must be closed after the store.
func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (session.Store, *database.DB, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		log.Warn("using in-memory session store; sessions will not survive a restart")
		return session.NewMemoryStore(cfg.Store.TTL), nil, nil

	case config.StoreBackendSQLite:
		db, err := database.Open(ctx, database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info("sqlite session store ready", "path", cfg.Database.Path)
		return session.NewSQLiteStore(db.DB, cfg.Store.TTL), db, nil

	case config.StoreBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		log.Info("redis session store ready",
			"addr", cfg.Redis.Addr,
			"prefix", cfg.Redis.KeyPrefix,
		)
		return session.NewRedisStore(client, cfg.Redis.KeyPrefix, cfg.Store.TTL), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// reapLoop deletes expired session records every interval until ctx ends.
func reapLoop(ctx context.Context, reaper session.Reaper, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := reaper.DeleteExpired(ctx)
			if err != nil {
				log.Warn("reaping expired sessions failed", "error", err)
				continue
			}
			if n > 0 {
				log.Debug("reaped expired sessions", "count", n)
			}
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient may be nil when disabled.
func healthCheck(ctx context.Context, store session.Store, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
