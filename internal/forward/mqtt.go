// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package forward

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/glucostat/internal/config"
	"github.com/Thermoquad/glucostat/internal/glucose"
)

// MQTT connection timing
const (
	MQTTConnectRetry = 15 * time.Second
	MQTTMaxReconnect = 120 * time.Second
	MQTTKeepAlive    = 60 * time.Second
)

var errMQTTNotConnected = errors.New("mqtt: not connected")

// mqttClient is the subset of mqtt.Client the sink uses
type mqttClient interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes "<unix seconds>|<trend>|<value>" to a topic. The newest
// value is retained so new subscribers see the current reading.
type MQTTSink struct {
	client mqttClient
	topic  string
	qos    byte
}

// MQTTPayload formats v the way the sink publishes it
func MQTTPayload(v glucose.Value) string {
	return fmt.Sprintf("%d|%d|%d", v.SensorTime().Unix(), v.Trend(), v.Rounded())
}

// NewMQTTSink connects in the background; Publish fails until the broker is
// reachable.
func NewMQTTSink(cfg config.MQTTConfig, instanceID string, logger zerolog.Logger) *MQTTSink {
	log := logger.With().Str("component", "forward").Str("sink", "mqtt").Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if instanceID != "" {
		clientID = fmt.Sprintf("%s-%.8s", cfg.ClientID, instanceID)
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(MQTTConnectRetry)
	opts.SetMaxReconnectInterval(MQTTMaxReconnect)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(MQTTKeepAlive)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("connected to mqtt broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	client.Connect()

	return newMQTTSink(client, cfg)
}

func newMQTTSink(client mqttClient, cfg config.MQTTConfig) *MQTTSink {
	return &MQTTSink{client: client, topic: cfg.Topic, qos: byte(cfg.QoS)}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Publish waits for the broker to acknowledge v or for ctx to end
func (s *MQTTSink) Publish(ctx context.Context, v glucose.Value, newest bool) error {
	if !s.client.IsConnectionOpen() {
		return errMQTTNotConnected
	}
	token := s.client.Publish(s.topic, s.qos, newest, MQTTPayload(v))
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish: %w", ctx.Err())
	}
}

// Close disconnects, allowing a second for in-flight messages
func (s *MQTTSink) Close() error {
	s.client.Disconnect(1000)
	return nil
}
