// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package forward

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"

	"github.com/Thermoquad/glucostat/internal/clock"
	"github.com/Thermoquad/glucostat/internal/config"
	"github.com/Thermoquad/glucostat/internal/glucose"
)

// ============================================================================
// MQTT
// ============================================================================

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type mqttMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

type fakeMQTT struct {
	connected    bool
	err          error
	messages     []mqttMessage
	disconnected bool
}

func (c *fakeMQTT) IsConnectionOpen() bool { return c.connected }

func (c *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.messages = append(c.messages, mqttMessage{topic, qos, retained, payload.(string)})
	return &doneToken{err: c.err}
}

func (c *fakeMQTT) Disconnect(uint) { c.disconnected = true }

func TestMQTTPayload(t *testing.T) {
	v := glucose.New(time.Unix(1700000000, 0), time.Time{}, time.Time{}, 143.6, glucose.TrendFortyFiveUp, glucose.SourceShare)
	if got := MQTTPayload(v); got != "1700000000|3|144" {
		t.Errorf("Expected 1700000000|3|144, got %s", got)
	}
}

func TestMQTTSink_Publish(t *testing.T) {
	client := &fakeMQTT{connected: true}
	sink := newMQTTSink(client, config.MQTTConfig{Topic: "cgm", QoS: 2})

	if err := sink.Publish(context.Background(), reading(0, 100), true); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := sink.Publish(context.Background(), reading(-5*time.Minute, 98), false); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(client.messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(client.messages))
	}
	first := client.messages[0]
	if first.topic != "cgm" || first.qos != 2 || !first.retained {
		t.Errorf("Expected retained QoS 2 message on cgm, got %+v", first)
	}
	if client.messages[1].retained {
		t.Error("Expected backfilled value not to be retained")
	}

	sink.Close()
	if !client.disconnected {
		t.Error("Expected Close to disconnect")
	}
}

func TestMQTTSink_Errors(t *testing.T) {
	offline := newMQTTSink(&fakeMQTT{}, config.MQTTConfig{Topic: "cgm"})
	if err := offline.Publish(context.Background(), reading(0, 100), true); !errors.Is(err, errMQTTNotConnected) {
		t.Errorf("Expected errMQTTNotConnected, got %v", err)
	}

	rejecting := newMQTTSink(&fakeMQTT{connected: true, err: errors.New("not authorized")}, config.MQTTConfig{Topic: "cgm"})
	if err := rejecting.Publish(context.Background(), reading(0, 100), true); err == nil {
		t.Error("Expected publish error")
	}
}

// ============================================================================
// NATS
// ============================================================================

type fakeNATS struct {
	msgs    []*nats.Msg
	err     error
	drained bool
}

func (c *fakeNATS) PublishMsg(m *nats.Msg) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *fakeNATS) FlushWithContext(context.Context) error { return nil }

func (c *fakeNATS) Drain() error {
	c.drained = true
	return nil
}

func TestNATSSink_Publish(t *testing.T) {
	conn := &fakeNATS{}
	sink := newNATSSink(conn, "glucostat.readings", "instance-1")

	v := glucose.New(base, base.Add(-time.Minute), base, 112, glucose.TrendSingleDown, glucose.SourceShare)
	if err := sink.Publish(context.Background(), v, true); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(conn.msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(conn.msgs))
	}
	msg := conn.msgs[0]
	if msg.Subject != "glucostat.readings" {
		t.Errorf("Expected subject glucostat.readings, got %s", msg.Subject)
	}
	if got := msg.Header.Get(InstanceHeader); got != "instance-1" {
		t.Errorf("Expected instance header instance-1, got %q", got)
	}

	var r Reading
	if err := cbor.Unmarshal(msg.Data, &r); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if r.SensorTime != base.Unix() || r.DisplayTime != base.Add(-time.Minute).Unix() {
		t.Errorf("Expected times %d/%d, got %d/%d", base.Unix(), base.Add(-time.Minute).Unix(), r.SensorTime, r.DisplayTime)
	}
	if r.Value != 112 || r.Trend != uint8(glucose.TrendSingleDown) || r.Source != "share" {
		t.Errorf("Unexpected reading %+v", r)
	}

	sink.Close()
	if !conn.drained {
		t.Error("Expected Close to drain the connection")
	}
}

func TestEncodeReading_Deterministic(t *testing.T) {
	a, err := EncodeReading(reading(0, 100))
	if err != nil {
		t.Fatalf("EncodeReading failed: %v", err)
	}
	b, _ := EncodeReading(reading(0, 100))
	if string(a) != string(b) {
		t.Error("Expected identical encodings")
	}
}

func TestNATSSink_PublishError(t *testing.T) {
	sink := newNATSSink(&fakeNATS{err: nats.ErrConnectionClosed}, "s", "")
	if err := sink.Publish(context.Background(), reading(0, 100), true); !errors.Is(err, nats.ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
}

// ============================================================================
// Nightscout
// ============================================================================

func TestNightscoutSink_Publish(t *testing.T) {
	var gotPath, gotToken, gotSecret string
	var entries []Entry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("token")
		gotSecret = r.Header.Get("api-secret")
		if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
			t.Errorf("Decode failed: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewNightscoutSink(config.NightscoutConfig{
		URL:    srv.URL + "/ns",
		Secret: "hunter2hunter2",
		Token:  "reader-abc",
	}, srv.Client())
	if err != nil {
		t.Fatalf("NewNightscoutSink failed: %v", err)
	}

	v := glucose.New(base, base, base, 187, glucose.TrendDoubleUp, glucose.SourceUSB)
	if err := sink.Publish(context.Background(), v, true); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if gotPath != "/ns/api/v1/entries/" {
		t.Errorf("Expected path /ns/api/v1/entries/, got %s", gotPath)
	}
	if gotToken != "reader-abc" {
		t.Errorf("Expected token reader-abc, got %q", gotToken)
	}
	sum := sha1.Sum([]byte("hunter2hunter2"))
	if gotSecret != hex.EncodeToString(sum[:]) {
		t.Errorf("Expected hashed secret, got %q", gotSecret)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.SGV != 187 || e.Type != "sgv" || e.Direction != "DoubleUp" || e.Date != base.UnixMilli() {
		t.Errorf("Unexpected entry %+v", e)
	}
}

func TestNightscoutSink_Errors(t *testing.T) {
	if _, err := NewNightscoutSink(config.NightscoutConfig{URL: "not a url"}, nil); err == nil {
		t.Error("Expected error for invalid URL")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-secret") != "" {
			t.Error("Expected no api-secret header without a secret")
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink, err := NewNightscoutSink(config.NightscoutConfig{URL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("NewNightscoutSink failed: %v", err)
	}
	err = sink.Publish(context.Background(), reading(0, 100), true)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Expected HTTP 401 error, got %v", err)
	}
}

// ============================================================================
// Postgres
// ============================================================================

type execCall struct {
	query string
	args  []any
}

type fakeExecer struct {
	calls []execCall
	err   error
}

func (e *fakeExecer) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	e.calls = append(e.calls, execCall{query, args})
	return nil, e.err
}

func TestPostgresSink_Publish(t *testing.T) {
	db := &fakeExecer{}
	sink := &PostgresSink{db: db}

	if err := sink.migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	v := glucose.New(base, base, base, 95, glucose.TrendFlat, glucose.SourceUSB)
	if err := sink.Publish(context.Background(), v, true); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(db.calls) != 2 {
		t.Fatalf("Expected 2 statements, got %d", len(db.calls))
	}
	if !strings.Contains(db.calls[0].query, "CREATE TABLE IF NOT EXISTS glucose_readings") {
		t.Errorf("Expected table creation, got %s", db.calls[0].query)
	}
	insert := db.calls[1]
	if !strings.Contains(insert.query, "ON CONFLICT (sensor_time) DO NOTHING") {
		t.Errorf("Expected conflict clause, got %s", insert.query)
	}
	if len(insert.args) != 7 {
		t.Fatalf("Expected 7 arguments, got %d", len(insert.args))
	}
	if st, ok := insert.args[0].(time.Time); !ok || !st.Equal(base) {
		t.Errorf("Expected sensor time %v, got %v", base, insert.args[0])
	}
	if insert.args[3] != "Flat" || insert.args[4] != "usb" {
		t.Errorf("Expected direction Flat and source usb, got %v %v", insert.args[3], insert.args[4])
	}

	if err := sink.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestPostgresSink_PublishError(t *testing.T) {
	sink := &PostgresSink{db: &fakeExecer{err: sql.ErrConnDone}}
	if err := sink.Publish(context.Background(), reading(0, 100), true); !errors.Is(err, sql.ErrConnDone) {
		t.Errorf("Expected ErrConnDone, got %v", err)
	}
}

// ============================================================================
// Recorder
// ============================================================================

func TestRecorder_Rotates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "readings")
	rec, err := NewRecorder(config.RecorderConfig{Path: dir, MaxRows: 2}, clock.NewFake(base))
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	if rec.Path() != "" {
		t.Errorf("Expected no file before the first value, got %s", rec.Path())
	}

	for i := range 3 {
		if err := rec.Publish(context.Background(), reading(time.Duration(i)*5*time.Minute, 100+float64(i)), true); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "glucose-*.csv"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(files))
	}

	f, err := os.Open(files[0])
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected header and 2 rows, got %d rows", len(rows))
	}
	if strings.Join(rows[0], ",") != "sensor_time,display_time,value,trend,direction,source" {
		t.Errorf("Unexpected header %v", rows[0])
	}
	if rows[1][0] != base.Format(time.RFC3339) || rows[1][2] != "100" || rows[1][4] != "Flat" {
		t.Errorf("Unexpected first row %v", rows[1])
	}
}
