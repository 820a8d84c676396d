package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
client:
  name: "dashboard"
  domain: "cern"
broker:
  transport: "mqtt"
  host: "broker.local"
  port: 1884
channels:
  heartbeat: "test/heartbeat"
dispatch:
  queue_capacity: 50
  slow_consumer_threshold: 1000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Client.Domain != "cern" {
		t.Errorf("Client.Domain = %q, want %q", cfg.Client.Domain, "cern")
	}
	if cfg.Broker.Host != "broker.local" {
		t.Errorf("Broker.Host = %q, want %q", cfg.Broker.Host, "broker.local")
	}
	if cfg.Channels.Heartbeat != "test/heartbeat" {
		t.Errorf("Channels.Heartbeat = %q, want %q", cfg.Channels.Heartbeat, "test/heartbeat")
	}
	if cfg.Dispatch.QueueCapacity != 50 {
		t.Errorf("Dispatch.QueueCapacity = %d, want 50", cfg.Dispatch.QueueCapacity)
	}

	// Values absent from the file keep their defaults.
	if cfg.Dispatch.HighRateQueueCapacity != 10000 {
		t.Errorf("Dispatch.HighRateQueueCapacity = %d, want 10000", cfg.Dispatch.HighRateQueueCapacity)
	}
	if cfg.Channels.Supervision == "" {
		t.Error("Channels.Supervision should keep its default")
	}
}

// TestLoad_ShippedConfig keeps configs/config.yaml loadable and in line
// with the built-in defaults.
func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := defaultConfig()
	if cfg.Dispatch != want.Dispatch {
		t.Errorf("Dispatch = %+v, want defaults %+v", cfg.Dispatch, want.Dispatch)
	}
	if cfg.Channels != want.Channels {
		t.Errorf("Channels = %+v, want defaults %+v", cfg.Channels, want.Channels)
	}
	if cfg.Requests != want.Requests {
		t.Errorf("Requests = %+v, want defaults %+v", cfg.Requests, want.Requests)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
broker:
  transport: "carrier-pigeon"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected validation error for unknown transport, got nil")
	}
	if !strings.Contains(err.Error(), "broker.transport") {
		t.Errorf("error %q should mention broker.transport", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}, wantErr: false},
		{name: "memory transport needs no host", mutate: func(c *Config) {
			c.Broker.Transport = "memory"
			c.Broker.Host = ""
		}, wantErr: false},
		{name: "mqtt without host", mutate: func(c *Config) { c.Broker.Host = "" }, wantErr: true},
		{name: "invalid port", mutate: func(c *Config) { c.Broker.Port = 70000 }, wantErr: true},
		{name: "invalid QoS", mutate: func(c *Config) { c.Broker.QoS = 3 }, wantErr: true},
		{name: "zero queue capacity", mutate: func(c *Config) { c.Dispatch.QueueCapacity = 0 }, wantErr: true},
		{name: "granularity above one", mutate: func(c *Config) { c.Dispatch.BackpressureGranularity = 1.5 }, wantErr: true},
		{name: "granularity zero", mutate: func(c *Config) { c.Dispatch.BackpressureGranularity = 0 }, wantErr: true},
		{name: "zero backoff", mutate: func(c *Config) { c.Reconnect.Backoff = 0 }, wantErr: true},
		{name: "zero chunk size", mutate: func(c *Config) { c.Requests.MaxIDsPerRequest = 0 }, wantErr: true},
		{name: "missing request queue", mutate: func(c *Config) { c.Channels.RequestQueue = "" }, wantErr: true},
		{name: "journal without path", mutate: func(c *Config) {
			c.Database.Enabled = true
			c.Database.Path = ""
		}, wantErr: true},
		{name: "influx without url", mutate: func(c *Config) { c.InfluxDB.Enabled = true }, wantErr: true},
		{name: "api with bad port", mutate: func(c *Config) {
			c.API.Enabled = true
			c.API.Port = 0
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := defaultConfig()

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"slow consumer threshold", cfg.Dispatch.SlowConsumerThresholdDuration(), 30 * time.Second},
		{"poll timeout", cfg.Dispatch.PollTimeoutDuration(), 2 * time.Second},
		{"reconnect backoff", cfg.Reconnect.BackoffDuration(), 5 * time.Second},
		{"request timeout", cfg.Requests.TimeoutDuration(), 10 * time.Minute},
		{"latch reset", cfg.Health.LatchResetDuration(), 0},
		{"api read timeout", cfg.GetReadTimeout(), 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("C2MON_BROKER_TRANSPORT", "memory")
	t.Setenv("C2MON_BROKER_HOST", "mqtt.example.com")
	t.Setenv("C2MON_BROKER_PORT", "8883")
	t.Setenv("C2MON_BROKER_USERNAME", "testuser")
	t.Setenv("C2MON_BROKER_PASSWORD", "testpass")
	t.Setenv("C2MON_CLIENT_DOMAIN", "lhc")
	t.Setenv("C2MON_REQUESTS_TIMEOUT", "1234")
	t.Setenv("C2MON_DATABASE_PATH", "/custom/path.db")
	t.Setenv("C2MON_INFLUXDB_TOKEN", "secret-token")

	applyEnvOverrides(cfg)

	if cfg.Broker.Transport != "memory" {
		t.Errorf("Broker.Transport = %q, want %q", cfg.Broker.Transport, "memory")
	}
	if cfg.Broker.Host != "mqtt.example.com" {
		t.Errorf("Broker.Host = %q, want %q", cfg.Broker.Host, "mqtt.example.com")
	}
	if cfg.Broker.Port != 8883 {
		t.Errorf("Broker.Port = %d, want 8883", cfg.Broker.Port)
	}
	if cfg.Broker.Username != "testuser" || cfg.Broker.Password != "testpass" {
		t.Errorf("Broker credentials = %q/%q, want testuser/testpass", cfg.Broker.Username, cfg.Broker.Password)
	}
	if cfg.Client.Domain != "lhc" {
		t.Errorf("Client.Domain = %q, want %q", cfg.Client.Domain, "lhc")
	}
	if cfg.Requests.Timeout != 1234 {
		t.Errorf("Requests.Timeout = %d, want 1234", cfg.Requests.Timeout)
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
}

func TestApplyEnvOverrides_IgnoresBadInt(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("C2MON_BROKER_PORT", "not-a-number")

	applyEnvOverrides(cfg)

	if cfg.Broker.Port != 1883 {
		t.Errorf("Broker.Port = %d, want default 1883", cfg.Broker.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaultConfig should validate, got %v", err)
	}
	if cfg.Dispatch.QueueCapacity != 100 {
		t.Errorf("QueueCapacity = %d, want 100", cfg.Dispatch.QueueCapacity)
	}
	if cfg.Dispatch.BackpressureGranularity != 0.1 {
		t.Errorf("BackpressureGranularity = %v, want 0.1", cfg.Dispatch.BackpressureGranularity)
	}
	if cfg.Requests.MaxIDsPerRequest != 500 {
		t.Errorf("MaxIDsPerRequest = %d, want 500", cfg.Requests.MaxIDsPerRequest)
	}
}
