// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package forward

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/glucostat/internal/config"
	"github.com/Thermoquad/glucostat/internal/glucose"
)

// InstanceHeader carries the publishing process's instance id
const InstanceHeader = "Instance-Id"

// Reading is the CBOR body of a NATS message. Times are Unix seconds.
type Reading struct {
	SensorTime  int64   `cbor:"st"`
	DisplayTime int64   `cbor:"dt"`
	Value       float64 `cbor:"value"`
	Trend       uint8   `cbor:"trend"`
	Source      string  `cbor:"source"`
}

var readingEncoding cbor.EncMode

func init() {
	var err error
	readingEncoding, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// EncodeReading returns the deterministic CBOR encoding of v
func EncodeReading(v glucose.Value) ([]byte, error) {
	return readingEncoding.Marshal(Reading{
		SensorTime:  v.SensorTime().Unix(),
		DisplayTime: v.DisplayTime().Unix(),
		Value:       v.Value(),
		Trend:       uint8(v.Trend()),
		Source:      string(v.Source()),
	})
}

// natsConn is the subset of *nats.Conn the sink uses
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSSink publishes CBOR readings to a subject
type NATSSink struct {
	conn     natsConn
	subject  string
	instance string
}

// NewNATSSink connects to the NATS server. The client library reconnects on
// its own after the initial connection succeeds.
func NewNATSSink(cfg config.NATSConfig, instanceID string, logger zerolog.Logger) (*NATSSink, error) {
	log := logger.With().Str("component", "forward").Str("sink", "nats").Logger()

	nc, err := nats.Connect(cfg.URL,
		nats.Name("glucostat"),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to nats")

	return newNATSSink(nc, cfg.Subject, instanceID), nil
}

func newNATSSink(conn natsConn, subject, instanceID string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject, instance: instanceID}
}

func (s *NATSSink) Name() string { return "nats" }

// Publish sends v and flushes so a server-side failure surfaces here
func (s *NATSSink) Publish(ctx context.Context, v glucose.Value, _ bool) error {
	data, err := EncodeReading(v)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	msg := nats.NewMsg(s.subject)
	msg.Data = data
	if s.instance != "" {
		msg.Header.Set(InstanceHeader, s.instance)
	}
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Close drains the connection
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
