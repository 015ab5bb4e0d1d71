// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// unsetForTest clears key for the duration of the test and restores it after
func unsetForTest(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

// ============================================================================
// Loading
// ============================================================================

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	def := Default()
	if cfg.Receiver.Port != def.Receiver.Port {
		t.Errorf("Expected port %q, got %q", def.Receiver.Port, cfg.Receiver.Port)
	}
	if cfg.MQTT.Topic != "cgm" {
		t.Errorf("Expected topic cgm, got %q", cfg.MQTT.Topic)
	}
	if cfg.MQTT.QoS != 2 {
		t.Errorf("Expected QoS 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.NATS.Subject != "glucostat.readings" {
		t.Errorf("Expected subject glucostat.readings, got %q", cfg.NATS.Subject)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "glucostat.yaml", `
log:
  level: debug
receiver:
  enabled: false
  read_timeout: 2s
share:
  enabled: true
  region: eu
  username: alice
  password: secret
mqtt:
  broker: tcp://localhost:1883
  qos: 1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected level debug, got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "console" {
		t.Errorf("Expected unset format to keep default, got %q", cfg.Log.Format)
	}
	if cfg.Receiver.Enabled {
		t.Error("Expected receiver disabled")
	}
	if cfg.Receiver.ReadTimeout != 2*time.Second {
		t.Errorf("Expected read timeout 2s, got %v", cfg.Receiver.ReadTimeout)
	}
	if cfg.Share.Region != "eu" || cfg.Share.Username != "alice" {
		t.Errorf("Expected eu/alice, got %s/%s", cfg.Share.Region, cfg.Share.Username)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("Expected QoS 1, got %d", cfg.MQTT.QoS)
	}
	if cfg.Path() != path {
		t.Errorf("Expected path %s, got %s", path, cfg.Path())
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "glucostat.yaml", "log: [unterminated")
	if _, err := Load(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

// ============================================================================
// Environment
// ============================================================================

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "glucostat.yaml", "mqtt:\n  topic: from-file\n")
	t.Setenv("GLUCOSTAT_MQTT_TOPIC", "from-env")
	t.Setenv("GLUCOSTAT_RECEIVER_BAUD", "9600")
	t.Setenv("GLUCOSTAT_SHARE_ENABLED", "true")
	t.Setenv("GLUCOSTAT_SHARE_USERNAME", "bob")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MQTT.Topic != "from-env" {
		t.Errorf("Expected topic from-env, got %q", cfg.MQTT.Topic)
	}
	if cfg.Receiver.Baud != 9600 {
		t.Errorf("Expected baud 9600, got %d", cfg.Receiver.Baud)
	}
	if !cfg.Share.Enabled || cfg.Share.Username != "bob" {
		t.Errorf("Expected share enabled for bob, got %v/%q", cfg.Share.Enabled, cfg.Share.Username)
	}
}

func TestLoad_EnvOverrideInvalid(t *testing.T) {
	t.Setenv("GLUCOSTAT_MQTT_QOS", "high")

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Expected error for non-numeric QoS")
	}
	if !strings.Contains(err.Error(), "GLUCOSTAT_MQTT_QOS") {
		t.Errorf("Expected error to name the variable, got %v", err)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "glucostat.yaml", "")
	writeFile(t, dir, ".env", `
# credentials
GLUCOSTAT_SHARE_PASSWORD="from-dotenv"
export GLUCOSTAT_NIGHTSCOUT_URL=https://ns.example.com
GLUCOSTAT_MQTT_TOPIC=dotenv-topic
`)
	unsetForTest(t, "GLUCOSTAT_SHARE_PASSWORD")
	unsetForTest(t, "GLUCOSTAT_NIGHTSCOUT_URL")
	t.Setenv("GLUCOSTAT_MQTT_TOPIC", "real-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Share.Password != "from-dotenv" {
		t.Errorf("Expected password from .env, got %q", cfg.Share.Password)
	}
	if cfg.Nightscout.URL != "https://ns.example.com" {
		t.Errorf("Expected nightscout URL from .env, got %q", cfg.Nightscout.URL)
	}
	if cfg.MQTT.Topic != "real-env" {
		t.Errorf("Expected real environment to win, got %q", cfg.MQTT.Topic)
	}
}

// ============================================================================
// Validation
// ============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad region", func(c *Config) { c.Share.Region = "ap" }, "share.region"},
		{"share without username", func(c *Config) { c.Share.Enabled = true }, "share.username"},
		{"qos too high", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"negative qos", func(c *Config) { c.MQTT.QoS = -1 }, "mqtt.qos"},
		{"zero baud", func(c *Config) { c.Receiver.Baud = 0 }, "receiver.baud"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"recorder rows", func(c *Config) {
			c.Recorder.Enabled = true
			c.Recorder.MaxRows = 0
		}, "recorder.max_rows"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateRun(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateRun(); err != nil {
		t.Errorf("Expected receiver default to be a valid source, got %v", err)
	}

	cfg.Receiver.Enabled = false
	if err := cfg.ValidateRun(); err == nil {
		t.Error("Expected error with no source enabled")
	}

	cfg.Share.Enabled = true
	cfg.Share.Username = "alice"
	if err := cfg.ValidateRun(); err == nil {
		t.Error("Expected error for share without password")
	}

	cfg.Share.Password = "secret"
	if err := cfg.ValidateRun(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}
