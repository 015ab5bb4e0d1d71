// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the glucostat configuration: built-in defaults, then
// a YAML file, then .env files and GLUCOSTAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when --config is not given
const DefaultPath = "glucostat.yaml"

// EnvPrefix prefixes every environment override
const EnvPrefix = "GLUCOSTAT_"

// Config represents the application configuration
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Receiver   ReceiverConfig   `yaml:"receiver"`
	Share      ShareConfig      `yaml:"share"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	NATS       NATSConfig       `yaml:"nats"`
	Nightscout NightscoutConfig `yaml:"nightscout"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Server     ServerConfig     `yaml:"server"`

	path string
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReceiverConfig selects the USB receiver or a serial-over-WebSocket bridge
type ReceiverConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Port           string        `yaml:"port"`
	Baud           int           `yaml:"baud"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	BridgeURL      string        `yaml:"bridge_url"`
	BridgeUsername string        `yaml:"bridge_username"`
	BridgePassword string        `yaml:"bridge_password"`
	SkipTLSVerify  bool          `yaml:"skip_tls_verify"`
	// ResetHint is shown when the receiver cannot be opened, e.g. the
	// command that power-cycles its USB port.
	ResetHint string `yaml:"reset_hint"`
}

// ShareConfig represents Dexcom Share credentials
type ShareConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Region   string `yaml:"region"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTConfig represents the MQTT sink
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
	TLS      bool   `yaml:"tls"`
}

// NATSConfig represents the NATS sink
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

// NightscoutConfig represents the Nightscout sink
type NightscoutConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
	Token  string `yaml:"token"`
}

// PostgresConfig represents the Postgres sink
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RecorderConfig represents the CSV recorder
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	MaxRows int    `yaml:"max_rows"`
}

// ServerConfig represents the status API
type ServerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Receiver: ReceiverConfig{
			Enabled:     true,
			Port:        "auto",
			Baud:        115200,
			ReadTimeout: 5 * time.Second,
		},
		Share: ShareConfig{
			Region: "us",
		},
		MQTT: MQTTConfig{
			ClientID: "glucostat",
			Topic:    "cgm",
			QoS:      2,
		},
		NATS: NATSConfig{
			Subject:       "glucostat.readings",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1,
		},
		Recorder: RecorderConfig{
			Path:    "readings",
			MaxRows: 10000,
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8080",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults and environment still apply. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	for _, envPath := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if err := loadEnvFile(envPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the configuration was loaded from
func (c *Config) Path() string {
	return c.path
}

// loadEnvFile reads a KEY=VALUE .env file into the environment. Variables
// already set in the real environment win.
func loadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, val)
		}
	}
	return nil
}

type envBinding struct {
	name  string
	apply func(v string) error
}

func str(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func duration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func (c *Config) envBindings() []envBinding {
	return []envBinding{
		{"LOG_LEVEL", str(&c.Log.Level)},
		{"LOG_FORMAT", str(&c.Log.Format)},
		{"RECEIVER_ENABLED", boolean(&c.Receiver.Enabled)},
		{"RECEIVER_PORT", str(&c.Receiver.Port)},
		{"RECEIVER_BAUD", integer(&c.Receiver.Baud)},
		{"RECEIVER_READ_TIMEOUT", duration(&c.Receiver.ReadTimeout)},
		{"RECEIVER_BRIDGE_URL", str(&c.Receiver.BridgeURL)},
		{"RECEIVER_BRIDGE_USERNAME", str(&c.Receiver.BridgeUsername)},
		{"RECEIVER_BRIDGE_PASSWORD", str(&c.Receiver.BridgePassword)},
		{"RECEIVER_RESET_HINT", str(&c.Receiver.ResetHint)},
		{"SHARE_ENABLED", boolean(&c.Share.Enabled)},
		{"SHARE_REGION", str(&c.Share.Region)},
		{"SHARE_USERNAME", str(&c.Share.Username)},
		{"SHARE_PASSWORD", str(&c.Share.Password)},
		{"MQTT_BROKER", str(&c.MQTT.Broker)},
		{"MQTT_CLIENT_ID", str(&c.MQTT.ClientID)},
		{"MQTT_TOPIC", str(&c.MQTT.Topic)},
		{"MQTT_USERNAME", str(&c.MQTT.Username)},
		{"MQTT_PASSWORD", str(&c.MQTT.Password)},
		{"MQTT_QOS", integer(&c.MQTT.QoS)},
		{"MQTT_TLS", boolean(&c.MQTT.TLS)},
		{"NATS_URL", str(&c.NATS.URL)},
		{"NATS_SUBJECT", str(&c.NATS.Subject)},
		{"NIGHTSCOUT_URL", str(&c.Nightscout.URL)},
		{"NIGHTSCOUT_SECRET", str(&c.Nightscout.Secret)},
		{"NIGHTSCOUT_TOKEN", str(&c.Nightscout.Token)},
		{"POSTGRES_DSN", str(&c.Postgres.DSN)},
		{"RECORDER_ENABLED", boolean(&c.Recorder.Enabled)},
		{"RECORDER_PATH", str(&c.Recorder.Path)},
		{"SERVER_ENABLED", boolean(&c.Server.Enabled)},
		{"SERVER_LISTEN_ADDR", str(&c.Server.ListenAddr)},
	}
}

// applyEnvOverrides reads GLUCOSTAT_* variables over the loaded values
func (c *Config) applyEnvOverrides() error {
	for _, b := range c.envBindings() {
		v, ok := os.LookupEnv(EnvPrefix + b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.apply(v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

// Validate checks values that would otherwise fail later at runtime
func (c *Config) Validate() error {
	var errs []error
	switch c.Share.Region {
	case "us", "eu":
	default:
		errs = append(errs, fmt.Errorf("share.region must be us or eu, got %q", c.Share.Region))
	}
	if c.Share.Enabled && c.Share.Username == "" {
		errs = append(errs, errors.New("share.username is required when share is enabled"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Receiver.Baud <= 0 {
		errs = append(errs, fmt.Errorf("receiver.baud must be positive, got %d", c.Receiver.Baud))
	}
	if c.Recorder.Enabled && c.Recorder.MaxRows <= 0 {
		errs = append(errs, fmt.Errorf("recorder.max_rows must be positive, got %d", c.Recorder.MaxRows))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ValidateRun checks what the run command additionally needs: at least one
// source, and a Share password (which may be prompted for, so it is not
// checked by Validate).
func (c *Config) ValidateRun() error {
	if !c.Receiver.Enabled && !c.Share.Enabled {
		return errors.New("at least one of receiver.enabled and share.enabled must be set")
	}
	if c.Share.Enabled && c.Share.Password == "" {
		return errors.New("share.password is required when share is enabled")
	}
	return nil
}
