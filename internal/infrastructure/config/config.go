package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the C2MON client core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Broker    BrokerConfig    `yaml:"broker"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Requests  RequestsConfig  `yaml:"requests"`
	Health    HealthConfig    `yaml:"health"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ClientConfig identifies this client towards the server.
type ClientConfig struct {
	// Name is the application name used as client id prefix.
	Name string `yaml:"name"`

	// Domain scopes the per-entity tag-update topics.
	Domain string `yaml:"domain"`
}

// BrokerConfig contains message broker connection settings.
type BrokerConfig struct {
	// Transport selects the broker binding: "mqtt" or "memory".
	// The in-memory broker is only useful for demos and local testing.
	Transport string `yaml:"transport"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`

	// ConnectTimeout bounds a single connection attempt (milliseconds).
	ConnectTimeout int `yaml:"connect_timeout"`

	// ReplyTopicPrefix is the base for ephemeral reply destinations.
	ReplyTopicPrefix string `yaml:"reply_topic_prefix"`

	// QueueTopicPrefix is the base under which point-to-point queues are addressed.
	QueueTopicPrefix string `yaml:"queue_topic_prefix"`
}

// ChannelsConfig contains the deployment-specific channel names.
type ChannelsConfig struct {
	Heartbeat         string `yaml:"heartbeat"`
	Supervision       string `yaml:"supervision"`
	Broadcast         string `yaml:"broadcast"`
	Alarm             string `yaml:"alarm"`
	TagPrefix         string `yaml:"tag_prefix"`
	RequestQueue      string `yaml:"request_queue"`
	AdminRequestQueue string `yaml:"admin_request_queue"`
}

// DispatchConfig contains dispatch queue settings.
type DispatchConfig struct {
	// QueueCapacity is the capacity of low-rate channel queues.
	QueueCapacity int `yaml:"queue_capacity"`

	// HighRateQueueCapacity is the capacity of tag-update and alarm queues.
	HighRateQueueCapacity int `yaml:"high_rate_queue_capacity"`

	// SlowConsumerThreshold is the dispatch duration after which a listener
	// is reported as slow (milliseconds).
	SlowConsumerThreshold int `yaml:"slow_consumer_threshold"`

	// BackpressureGranularity is the fill-ratio step, as a fraction of
	// capacity, at which backpressure notifications fire.
	BackpressureGranularity float64 `yaml:"backpressure_granularity"`

	// PollTimeout is the worker poll interval (milliseconds).
	PollTimeout int `yaml:"poll_timeout"`

	// OfferTimeout bounds how long a full queue blocks the broker
	// delivery path (milliseconds).
	OfferTimeout int `yaml:"offer_timeout"`
}

// ReconnectConfig contains reconnection settings.
type ReconnectConfig struct {
	// Backoff is the constant sleep between connection attempts (milliseconds).
	Backoff int `yaml:"backoff"`

	// AlertAfterFailures escalates logging to error level every N
	// consecutive failed attempts. 0 disables escalation.
	AlertAfterFailures int `yaml:"alert_after_failures"`
}

// RequestsConfig contains request/reply settings.
type RequestsConfig struct {
	// Timeout is the default request timeout (milliseconds).
	Timeout int `yaml:"timeout"`

	// MessageTTL is the time-to-live attached to published requests (milliseconds).
	MessageTTL int `yaml:"message_ttl"`

	// MaxIDsPerRequest splits large id requests into chunks.
	MaxIDsPerRequest int `yaml:"max_ids_per_request"`

	// MaxParallel bounds the number of chunk requests in flight.
	MaxParallel int `yaml:"max_parallel"`
}

// HealthConfig contains health monitor settings.
type HealthConfig struct {
	// LatchReset re-arms the slow-consumer alert after this duration
	// (milliseconds). 0 keeps the alert latched for the process lifetime.
	LatchReset int `yaml:"latch_reset"`
}

// DatabaseConfig contains SQLite settings for the health journal.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for diagnostics.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains diagnostics HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: C2MON_SECTION_KEY
// For example: C2MON_BROKER_HOST, C2MON_REQUESTS_TIMEOUT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. Used when no configuration file is present.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			Name:   "c2mon-client",
			Domain: "c2mon",
		},
		Broker: BrokerConfig{
			Transport:        "mqtt",
			Host:             "localhost",
			Port:             1883,
			QoS:              1,
			ConnectTimeout:   10000,
			ReplyTopicPrefix: "c2mon/client/reply",
			QueueTopicPrefix: "c2mon/queue",
		},
		Channels: ChannelsConfig{
			Heartbeat:         "c2mon/client/heartbeat",
			Supervision:       "c2mon/client/supervision",
			Broadcast:         "c2mon/client/broadcast",
			Alarm:             "c2mon/client/alarm",
			TagPrefix:         "c2mon/client/tag",
			RequestQueue:      "c2mon.client.request",
			AdminRequestQueue: "c2mon.client.admin",
		},
		Dispatch: DispatchConfig{
			QueueCapacity:           100,
			HighRateQueueCapacity:   10000,
			SlowConsumerThreshold:   30000,
			BackpressureGranularity: 0.1,
			PollTimeout:             2000,
			OfferTimeout:            10000,
		},
		Reconnect: ReconnectConfig{
			Backoff:            5000,
			AlertAfterFailures: 10,
		},
		Requests: RequestsConfig{
			Timeout:          600000,
			MessageTTL:       600000,
			MaxIDsPerRequest: 500,
			MaxParallel:      5,
		},
		Database: DatabaseConfig{
			Path:        "./data/c2mon-client.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: C2MON_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Broker
	if v := os.Getenv("C2MON_BROKER_TRANSPORT"); v != "" {
		cfg.Broker.Transport = v
	}
	if v := os.Getenv("C2MON_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v, ok := envInt("C2MON_BROKER_PORT"); ok {
		cfg.Broker.Port = v
	}
	if v := os.Getenv("C2MON_BROKER_USERNAME"); v != "" {
		cfg.Broker.Username = v
	}
	if v := os.Getenv("C2MON_BROKER_PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}

	// Client
	if v := os.Getenv("C2MON_CLIENT_DOMAIN"); v != "" {
		cfg.Client.Domain = v
	}

	// Requests
	if v, ok := envInt("C2MON_REQUESTS_TIMEOUT"); ok {
		cfg.Requests.Timeout = v
	}

	// Database
	if v := os.Getenv("C2MON_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("C2MON_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// envInt reads an integer environment variable. Unparseable values are ignored.
func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Broker validation
	switch c.Broker.Transport {
	case "mqtt":
		if c.Broker.Host == "" {
			errs = append(errs, "broker.host is required for the mqtt transport")
		}
		if c.Broker.Port < 1 || c.Broker.Port > 65535 {
			errs = append(errs, "broker.port must be between 1 and 65535")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("broker.transport %q is not supported (mqtt, memory)", c.Broker.Transport))
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		errs = append(errs, "broker.qos must be 0, 1, or 2")
	}

	// Channel validation
	if c.Channels.RequestQueue == "" {
		errs = append(errs, "channels.request_queue is required")
	}
	if c.Channels.AdminRequestQueue == "" {
		errs = append(errs, "channels.admin_request_queue is required")
	}

	// Dispatch validation
	if c.Dispatch.QueueCapacity < 1 {
		errs = append(errs, "dispatch.queue_capacity must be positive")
	}
	if c.Dispatch.HighRateQueueCapacity < 1 {
		errs = append(errs, "dispatch.high_rate_queue_capacity must be positive")
	}
	if c.Dispatch.BackpressureGranularity <= 0 || c.Dispatch.BackpressureGranularity > 1 {
		errs = append(errs, "dispatch.backpressure_granularity must be in (0, 1]")
	}
	if c.Dispatch.PollTimeout < 1 {
		errs = append(errs, "dispatch.poll_timeout must be positive")
	}

	// Reconnect validation
	if c.Reconnect.Backoff < 1 {
		errs = append(errs, "reconnect.backoff must be positive")
	}

	// Request validation
	if c.Requests.Timeout < 1 {
		errs = append(errs, "requests.timeout must be positive")
	}
	if c.Requests.MaxIDsPerRequest < 1 {
		errs = append(errs, "requests.max_ids_per_request must be positive")
	}
	if c.Requests.MaxParallel < 1 {
		errs = append(errs, "requests.max_parallel must be positive")
	}

	// Optional infrastructure
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the journal is enabled")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// millis converts a millisecond setting to a Duration.
func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// SlowConsumerThresholdDuration returns the slow-consumer threshold as a Duration.
func (d DispatchConfig) SlowConsumerThresholdDuration() time.Duration {
	return millis(d.SlowConsumerThreshold)
}

// PollTimeoutDuration returns the worker poll interval as a Duration.
func (d DispatchConfig) PollTimeoutDuration() time.Duration {
	return millis(d.PollTimeout)
}

// OfferTimeoutDuration returns the offer timeout as a Duration.
func (d DispatchConfig) OfferTimeoutDuration() time.Duration {
	return millis(d.OfferTimeout)
}

// BackoffDuration returns the reconnect backoff as a Duration.
func (r ReconnectConfig) BackoffDuration() time.Duration {
	return millis(r.Backoff)
}

// TimeoutDuration returns the default request timeout as a Duration.
func (r RequestsConfig) TimeoutDuration() time.Duration {
	return millis(r.Timeout)
}

// MessageTTLDuration returns the request time-to-live as a Duration.
func (r RequestsConfig) MessageTTLDuration() time.Duration {
	return millis(r.MessageTTL)
}

// LatchResetDuration returns the slow-consumer latch reset window.
func (h HealthConfig) LatchResetDuration() time.Duration {
	return millis(h.LatchReset)
}

// ConnectTimeoutDuration returns the per-attempt connect timeout.
func (b BrokerConfig) ConnectTimeoutDuration() time.Duration {
	return millis(b.ConnectTimeout)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
