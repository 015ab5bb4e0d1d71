// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/glucostat/internal/clock"
	"github.com/Thermoquad/glucostat/internal/glucose"
	"github.com/Thermoquad/glucostat/internal/transport"
	"github.com/Thermoquad/glucostat/pkg/dexcom"
)

// USB polling cadence
const (
	USBRetryDisconnected = 15 * time.Second
	USBRetryNewValue     = 30 * time.Second
	USBRetryNoValue      = 10 * time.Second

	// USBInitialWindow bounds the scan of the first successful poll;
	// USBBackfillWindow bounds every later one.
	USBInitialWindow  = 24 * time.Hour
	USBBackfillWindow = 3 * time.Hour
)

// Opener opens the byte channel to the receiver. It returns an error
// wrapping transport.ErrNoDevice when no receiver is attached.
type Opener func() (dexcom.Port, error)

// USBSession polls a receiver attached over USB (or a bridge) and emits each
// new EGV together with the values recorded since the last emission.
type USBSession struct {
	driver
	open  Opener
	emit  Callback
	log   zerolog.Logger
	stats *dexcom.Statistics

	resetHint string

	receiver   *dexcom.Receiver
	offset     time.Duration
	last       glucose.Value
	backfilled bool
	sent       sentBuffer
}

// NewUSBSession creates a stopped session. emit is called at most once per
// cycle.
func NewUSBSession(open Opener, clk clock.Clock, logger zerolog.Logger, emit Callback) *USBSession {
	s := &USBSession{
		open:  open,
		emit:  emit,
		log:   logger.With().Str("component", "usb").Logger(),
		stats: dexcom.NewStatistics(),
		sent:  sentBuffer{window: USBInitialWindow},
	}
	s.driver = driver{
		slot:  slot{clock: clk},
		clock: clk,
		track: &tracker{status: Status{Name: s.Name(), State: StateStopped}},
		poll:  s.poll,
	}
	return s
}

// SetResetHint sets a hint logged whenever the receiver cannot be opened,
// such as the command that power-cycles its USB port. Call before Start.
func (s *USBSession) SetResetHint(hint string) {
	s.resetHint = hint
}

// Name identifies the session in logs and status
func (s *USBSession) Name() string { return "usb" }

// Start begins polling
func (s *USBSession) Start() {
	s.track.setState(StateDisconnected)
	s.driver.start()
	s.log.Info().Msg("started receiver session")
}

// Stop cancels polling and closes the receiver
func (s *USBSession) Stop() {
	s.driver.stop(func() {
		if s.receiver != nil {
			s.receiver.Close()
			s.receiver = nil
		}
		s.offset = 0
	})
	s.log.Info().Msg("stopped receiver session")
}

// Statistics returns the link counters, which accumulate across reconnects
func (s *USBSession) Statistics() *dexcom.Statistics {
	return s.stats
}

// Status returns a snapshot of the session
func (s *USBSession) Status() Status {
	status := s.track.snapshot()
	link := s.stats.Snapshot()
	status.Link = &link
	return status
}

func (s *USBSession) poll() (time.Duration, bool) {
	if err := s.ensureConnected(); err != nil {
		if dexcom.IsFatal(err) {
			s.failed(err)
			return 0, false
		}
		return USBRetryDisconnected, true
	}

	found, err := s.readValues()
	if err != nil {
		if dexcom.IsFatal(err) {
			s.disconnect(err)
			s.failed(err)
			return 0, false
		}
		s.disconnect(err)
		return USBRetryNoValue, true
	}
	if found {
		return USBRetryNewValue, true
	}
	return USBRetryNoValue, true
}

// ensureConnected opens the receiver if needed and refreshes the clock
// offset.
func (s *USBSession) ensureConnected() error {
	if s.receiver == nil {
		s.track.setState(StateConnecting)
		port, err := s.open()
		if err != nil {
			event := s.log.Warn()
			if s.resetHint != "" {
				event = event.Str("hint", s.resetHint)
			}
			if errors.Is(err, transport.ErrNoDevice) {
				event.Msg("receiver not found")
			} else {
				event.Err(err).Msg("failed to open receiver")
			}
			s.track.fail(err)
			s.track.setState(StateDisconnected)
			return err
		}

		receiver := dexcom.NewReceiverWithStatistics(port, s.stats)
		header, err := receiver.Connect()
		if err != nil {
			receiver.Close()
			s.log.Warn().Err(err).Msg("failed to connect to receiver")
			s.track.fail(err)
			s.track.setState(StateDisconnected)
			return err
		}
		s.receiver = receiver
		s.log.Info().
			Str("firmware", header.FirmwareVersion).
			Str("generation", receiver.Generation().String()).
			Msg("receiver connected")
		s.track.update(func(st *Status) { st.Generation = receiver.Generation().String() })
	}

	deviceNow, err := s.receiver.ReadSystemTime()
	if err != nil {
		s.disconnect(err)
		return err
	}
	s.offset = s.clock.Now().Sub(deviceNow)
	s.track.setState(StatePolling)
	return nil
}

func (s *USBSession) disconnect(err error) {
	if s.receiver != nil {
		s.receiver.Close()
		s.receiver = nil
	}
	s.offset = 0
	s.log.Warn().Err(err).Msg("receiver connection lost")
	s.track.fail(err)
	s.track.setState(StateDisconnected)
}

func (s *USBSession) failed(err error) {
	s.log.Error().Err(err).Msg("receiver session stopped")
	s.track.fail(err)
	s.track.setState(StateFailed)
}

// readValues scans EGV_DATA newest first. When the newest committed value
// differs from the last one emitted, it collects every value back to the
// last emission or the cutoff, whichever is later, plus any backfilled
// values at or after the cutoff, and emits them as one batch.
func (s *USBSession) readValues() (bool, error) {
	now := s.clock.Now()
	window := USBBackfillWindow
	if !s.backfilled {
		window = USBInitialWindow
	}
	cutoff := now.Add(-window)
	s.sent.prune(now)

	var (
		batch  []glucose.Value
		latest glucose.Value
	)
	for rec, err := range s.receiver.IterRecordsRecentFirst(dexcom.EGVData) {
		if err != nil {
			return false, err
		}
		v, ok := s.toValue(rec)
		if !ok {
			continue
		}
		if latest.IsZero() {
			if !s.last.IsZero() && v.Equal(s.last) {
				break
			}
			latest = v
			batch = append(batch, v)
			continue
		}
		if v.SensorTime().Before(cutoff) {
			break
		}
		if !s.last.IsZero() && (v.Equal(s.last) || v.SensorTime().Before(s.last.SensorTime())) {
			break
		}
		batch = append(batch, v)
	}

	if latest.IsZero() {
		s.backfilled = true
		s.log.Debug().Msg("no new glucose value")
		return false, nil
	}

	if s.receiver.Generation().Supports(dexcom.BackfilledEGV) {
		count := 0
		for rec, err := range s.receiver.IterRecordsRecentFirst(dexcom.BackfilledEGV) {
			if err != nil {
				return false, err
			}
			v, ok := s.toValue(rec)
			if !ok {
				continue
			}
			if v.SensorTime().Before(cutoff) {
				break
			}
			if s.sent.contains(v) || slices.ContainsFunc(batch, v.Equal) {
				continue
			}
			batch = append(batch, v)
			count++
		}
		if count > 0 {
			s.log.Info().Int("count", count).Msg("backfilled values from receiver")
		}
	}

	batch = glucose.Dedup(slices.DeleteFunc(batch, s.sent.contains))
	s.last = latest
	s.backfilled = true
	for _, v := range batch {
		s.sent.add(v)
	}
	s.log.Info().
		Float64("value", latest.Value()).
		Str("trend", latest.Trend().String()).
		Time("sensor_time", latest.SensorTime()).
		Int("batch", len(batch)).
		Msg("received new glucose value")

	if len(batch) > 0 {
		s.emit(batch)
		s.track.emitted(batch)
	}
	return true, nil
}

// toValue converts a committed EGV record to a value in host time. Display
// only and special-value records are skipped.
func (s *USBSession) toValue(rec dexcom.Record) (glucose.Value, bool) {
	egv, ok := rec.(*dexcom.EGVRecord)
	if !ok || egv.DisplayOnly() || egv.IsSpecial() {
		return glucose.Value{}, false
	}
	sensor := egv.SystemTime().Add(s.offset)
	capture := sensor
	if meter, ok := egv.MeterTime(); ok {
		capture = meter.Add(s.offset)
	}
	return glucose.New(sensor, egv.DisplayTime(), capture, float64(egv.Glucose()), glucose.Trend(egv.Trend()), glucose.SourceUSB), true
}

// sentBuffer remembers recently emitted values, ascending by sensor time
type sentBuffer struct {
	values []glucose.Value
	window time.Duration
}

func (b *sentBuffer) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.values) && b.values[i].SensorTime().Before(cutoff) {
		i++
	}
	b.values = b.values[i:]
}

func (b *sentBuffer) add(v glucose.Value) {
	i, _ := slices.BinarySearchFunc(b.values, v, func(a, t glucose.Value) int {
		return a.SensorTime().Compare(t.SensorTime())
	})
	b.values = slices.Insert(b.values, i, v)
}

func (b *sentBuffer) contains(v glucose.Value) bool {
	i, _ := slices.BinarySearchFunc(b.values, v, func(a, t glucose.Value) int {
		return a.SensorTime().Compare(t.SensorTime())
	})
	return (i < len(b.values) && b.values[i].Equal(v)) || (i > 0 && b.values[i-1].Equal(v))
}
