// Package config handles GridSense configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/gridsense/config.yaml, /etc/gridsense/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gridsense", "config.yaml"))
	}

	paths = append(paths, "/etc/gridsense/config.yaml")
	return paths
}

// ErrNoConfigFile is returned by [FindConfig] when no explicit path was
// given and none of the default locations exist.
var ErrNoConfigFile = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfigFile, DefaultSearchPaths())
}

// Config holds all GridSense configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Realtime RealtimeConfig `yaml:"realtime"`

	// DataDir holds the SQLite database.
	DataDir   string `yaml:"data_dir" env:"GRIDSENSE_DATA_DIR"`
	LogLevel  string `yaml:"log_level" env:"GRIDSENSE_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"GRIDSENSE_LOG_FORMAT"` // text or json

	// HistoryDefaultLimit is the page size for history queries that do
	// not pass an explicit limit.
	HistoryDefaultLimit int `yaml:"history_default_limit"`
}

// ListenConfig defines the HTTP server settings. The REST API and the
// realtime WebSocket endpoint share one listener.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" env:"PORT"`
	// MaxConnections caps simultaneously accepted TCP connections.
	// Zero means unlimited.
	MaxConnections int `yaml:"max_connections"`
}

// MQTTConfig defines the broker connection used to reach devices.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. mqtts://broker.example.com:8883.
	// TLS is enabled for the mqtts:// and ssl:// schemes.
	Broker   string `yaml:"broker" env:"MQTT_URL"`
	Username string `yaml:"username" env:"MQTT_USERNAME"`
	Password string `yaml:"password" env:"MQTT_PASSWORD"`
	// ClientID is the MQTT client identifier. When empty a random
	// gridsense-<suffix> identity is generated at startup.
	ClientID string `yaml:"client_id" env:"MQTT_CLIENT_ID"`

	// QoS and Retain are the process-wide publish defaults. Callers
	// may override both per publish.
	QoS    int  `yaml:"qos" env:"MQTT_QOS"`
	Retain bool `yaml:"retain" env:"MQTT_RETAIN"`

	// TopicPrefix is the namespace for all device topics.
	TopicPrefix string `yaml:"topic_prefix" env:"MQTT_PREFIX"`

	ReconnectIntervalSec int `yaml:"reconnect_interval_sec"`
	ConnectTimeoutSec    int `yaml:"connect_timeout_sec"`
	PublishTimeoutSec    int `yaml:"publish_timeout_sec"`
	KeepAliveSec         int `yaml:"keep_alive_sec"`

	// AckRateLimit is the maximum number of inbound broker messages
	// handled per second; excess messages are dropped.
	AckRateLimit int `yaml:"ack_rate_limit"`
}

// Configured reports whether a broker URL is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// RealtimeConfig defines the WebSocket hub.
type RealtimeConfig struct {
	// Path is the HTTP path of the WebSocket endpoint.
	Path string `yaml:"path"`
	// SendBuffer is the number of outbound events queued per
	// connection before events for that connection are dropped.
	SendBuffer int `yaml:"send_buffer"`
	// RequireAPIKey rejects WebSocket upgrades that do not carry a
	// valid API key. When set, socket-issued commands are scoped to
	// channels owned by the key's user.
	RequireAPIKey bool `yaml:"require_api_key" env:"GRIDSENSE_SOCKET_REQUIRE_API_KEY"`
	// AllowedOrigins restricts the Origin header on upgrades. Empty
	// allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns a configuration with every default applied. Load
// starts from these values so that an explicit zero in the file (for
// example qos: 0) is preserved.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 5000},
		MQTT: MQTTConfig{
			QoS:                  1,
			TopicPrefix:          "gridsense",
			ReconnectIntervalSec: 2,
			ConnectTimeoutSec:    30,
			PublishTimeoutSec:    10,
			KeepAliveSec:         30,
			AckRateLimit:         200,
		},
		Realtime: RealtimeConfig{
			Path:       "/ws",
			SendBuffer: 64,
		},
		DataDir:             "./data",
		LogLevel:            "info",
		LogFormat:           "text",
		HistoryDefaultLimit: 50,
	}
}

// Load reads configuration from a YAML file, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv returns the defaults overlaid with environment overrides. It
// is used when no config file exists.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays values from the environment variables named in the
// env struct tags (MQTT_URL, MQTT_QOS, PORT, ...). Variables that are
// not set leave the current value untouched.
func (c *Config) ApplyEnv() error {
	err := envdecode.Decode(c)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// applyDefaults fills fields whose zero value is never meaningful.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = d.MQTT.TopicPrefix
	}
	if c.MQTT.ReconnectIntervalSec <= 0 {
		c.MQTT.ReconnectIntervalSec = d.MQTT.ReconnectIntervalSec
	}
	if c.MQTT.ConnectTimeoutSec <= 0 {
		c.MQTT.ConnectTimeoutSec = d.MQTT.ConnectTimeoutSec
	}
	if c.MQTT.PublishTimeoutSec <= 0 {
		c.MQTT.PublishTimeoutSec = d.MQTT.PublishTimeoutSec
	}
	if c.MQTT.KeepAliveSec <= 0 {
		c.MQTT.KeepAliveSec = d.MQTT.KeepAliveSec
	}
	if c.MQTT.AckRateLimit <= 0 {
		c.MQTT.AckRateLimit = d.MQTT.AckRateLimit
	}
	if c.Realtime.Path == "" {
		c.Realtime.Path = d.Realtime.Path
	}
	if c.Realtime.SendBuffer <= 0 {
		c.Realtime.SendBuffer = d.Realtime.SendBuffer
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.HistoryDefaultLimit <= 0 {
		c.HistoryDefaultLimit = d.HistoryDefaultLimit
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", c.MQTT.QoS)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}
