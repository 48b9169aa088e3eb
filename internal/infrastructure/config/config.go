package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backend names accepted by StoreConfig.Backend.
const (
	StoreBackendMemory = "memory"
	StoreBackendSQLite = "sqlite"
	StoreBackendRedis  = "redis"
)

// Config is the relay's whole configuration, one field per YAML section.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Relay     RelayConfig     `yaml:"relay"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig names the installation; ID tags telemetry points.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// StoreConfig selects and tunes the durable Session Store.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite" or "redis".
	Backend string `yaml:"backend"`

	// TTL is the advisory expiry applied to every stored session record.
	// Liveness is still decided by probing; TTL only reclaims abandoned rows.
	TTL time.Duration `yaml:"ttl"`

	// ReapInterval is how often stores without native expiry delete expired rows.
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// DatabaseConfig is used by the sqlite store backend.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// RedisConfig contains Redis connection settings for the shared Session Store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// CORSConfig: an empty AllowedOrigins list allows every origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket gateway settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	WriteTimeout   int    `yaml:"write_timeout"`
}

// RelayConfig bounds the latency of the registry and message router.
type RelayConfig struct {
	// FrameTimeout caps the total time spent handling one inbound frame.
	FrameTimeout time.Duration `yaml:"frame_timeout"`

	// ProbeTimeout bounds a single liveness probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// ScanTimeout bounds the Session Store scan during reconciliation.
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	// StoreTimeout bounds every other Session Store call made while
	// handling a frame.
	StoreTimeout time.Duration `yaml:"store_timeout"`

	// ReconcileWindow limits reconciliation to records seen this recently.
	ReconcileWindow time.Duration `yaml:"reconcile_window"`

	// ProbeConcurrency limits parallel probes during one reconciliation.
	ProbeConcurrency int `yaml:"probe_concurrency"`

	// FanoutConcurrency limits parallel deliveries during one status fanout.
	FanoutConcurrency int `yaml:"fanout_concurrency"`
}

// MQTTConfig configures the optional vendor command mirror.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig delays are in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings for relay telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig: Level is debug|info|warn|error, Format json|text, Output stdout|stderr.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load layers defaults, then the YAML file at path, then CASA_* environment
// variables (CASA_STORE_BACKEND, CASA_REDIS_ADDR, ...), and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return finish(cfg)
}

// Default is Load without a file.
func Default() (*Config, error) {
	return finish(defaultConfig())
}

func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "home-001",
			Name: "Casa",
		},
		Store: StoreConfig{
			Backend:      StoreBackendSQLite,
			TTL:          2 * time.Hour,
			ReapInterval: 5 * time.Minute,
		},
		Database: DatabaseConfig{
			Path:        "./data/casarelay.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "casa:",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			WriteTimeout:   5,
		},
		Relay: RelayConfig{
			FrameTimeout:      10 * time.Second,
			ProbeTimeout:      2 * time.Second,
			ScanTimeout:       3 * time.Second,
			StoreTimeout:      time.Second,
			ReconcileWindow:   30 * time.Minute,
			ProbeConcurrency:  8,
			FanoutConcurrency: 16,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "casa-relay",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides lets CASA_* variables replace file values. Empty
// variables are ignored; unparsable numbers and booleans are ignored too.
func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"CASA_SITE_ID", &cfg.Site.ID},
		{"CASA_STORE_BACKEND", &cfg.Store.Backend},
		{"CASA_DATABASE_PATH", &cfg.Database.Path},
		{"CASA_REDIS_ADDR", &cfg.Redis.Addr},
		{"CASA_REDIS_USERNAME", &cfg.Redis.Username},
		{"CASA_REDIS_PASSWORD", &cfg.Redis.Password},
		{"CASA_REDIS_KEY_PREFIX", &cfg.Redis.KeyPrefix},
		{"CASA_API_HOST", &cfg.API.Host},
		{"CASA_MQTT_HOST", &cfg.MQTT.Broker.Host},
		{"CASA_MQTT_USERNAME", &cfg.MQTT.Auth.Username},
		{"CASA_MQTT_PASSWORD", &cfg.MQTT.Auth.Password},
		{"CASA_INFLUXDB_URL", &cfg.InfluxDB.URL},
		{"CASA_INFLUXDB_TOKEN", &cfg.InfluxDB.Token},
		{"CASA_LOG_LEVEL", &cfg.Logging.Level},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}

	if v, err := strconv.Atoi(os.Getenv("CASA_API_PORT")); err == nil {
		cfg.API.Port = v
	}
	if v, err := strconv.ParseBool(os.Getenv("CASA_MQTT_ENABLED")); err == nil {
		cfg.MQTT.Enabled = v
	}
	if v, err := strconv.ParseBool(os.Getenv("CASA_INFLUXDB_ENABLED")); err == nil {
		cfg.InfluxDB.Enabled = v
	}
}

// Validate reports every problem at once rather than stopping at the first.
func (c *Config) Validate() error {
	var problems []string

	if c.Site.ID == "" {
		problems = append(problems, "site.id is required")
	}

	switch c.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendSQLite:
		if c.Database.Path == "" {
			problems = append(problems, "database.path is required for the sqlite store")
		}
	case StoreBackendRedis:
		if c.Redis.Addr == "" {
			problems = append(problems, "redis.addr is required for the redis store")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.backend must be one of memory, sqlite, redis (got %q)", c.Store.Backend))
	}
	if c.Store.TTL <= 0 {
		problems = append(problems, "store.ttl must be positive")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		problems = append(problems, "api.port must be between 1 and 65535")
	}

	if c.Relay.ProbeTimeout <= 0 || c.Relay.ScanTimeout <= 0 {
		problems = append(problems, "relay.probe_timeout and relay.scan_timeout must be positive")
	}
	if c.Relay.FrameTimeout < c.Relay.ScanTimeout+c.Relay.ProbeTimeout {
		problems = append(problems, "relay.frame_timeout must cover at least one scan and one probe")
	}
	if c.Relay.StoreTimeout <= 0 || c.Relay.StoreTimeout >= c.Relay.FrameTimeout {
		problems = append(problems, "relay.store_timeout must be positive and shorter than relay.frame_timeout")
	}
	if c.Relay.ReconcileWindow <= 0 {
		problems = append(problems, "relay.reconcile_window must be positive")
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		problems = append(problems, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		problems = append(problems, "influxdb.url is required when influxdb is enabled")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("configuration errors: %s", strings.Join(problems, "; "))
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// GetReadTimeout, GetWriteTimeout and GetIdleTimeout convert the api.timeouts
// seconds into durations for http.Server.
func (c *Config) GetReadTimeout() time.Duration  { return seconds(c.API.Timeouts.Read) }
func (c *Config) GetWriteTimeout() time.Duration { return seconds(c.API.Timeouts.Write) }
func (c *Config) GetIdleTimeout() time.Duration  { return seconds(c.API.Timeouts.Idle) }
