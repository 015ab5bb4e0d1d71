// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/glucostat/internal/clock"
	"github.com/Thermoquad/glucostat/internal/glucose"
	"github.com/Thermoquad/glucostat/internal/share"
)

// Share polling cadence
const (
	ShareRetryLogin     = 20 * time.Second
	ShareRetrySync      = 60 * time.Second
	ShareResync         = 2 * time.Hour
	ShareCadence        = 300 * time.Second
	ShareGrace          = 10 * time.Second
	ShareFloor          = 5 * time.Second
	ShareRequestTimeout = 30 * time.Second

	// ShareWindow is the span of the emitted-timestamp buffer, and
	// ShareWindowSamples the number of readings a gap-free window holds.
	ShareWindow        = 3 * time.Hour
	ShareWindowSamples = 36
)

// shareWaits is the escalating delay after a poll that found nothing new
var shareWaits = []time.Duration{
	2 * time.Second, 2 * time.Second,
	5 * time.Second, 5 * time.Second,
	10 * time.Second, 10 * time.Second,
	30 * time.Second, 30 * time.Second,
	60 * time.Second,
}

// Bulk read sizes: the first backfill covers a day, later ones the window
type bulkRead struct {
	minutes  int
	maxCount int
}

var (
	latestRead          = bulkRead{minutes: 1440, maxCount: 1}
	initialBackfillRead = bulkRead{minutes: 1440, maxCount: 300}
	backfillRead        = bulkRead{minutes: 180, maxCount: 40}
)

// ShareClient is the subset of the Share service the session uses
type ShareClient interface {
	Login(ctx context.Context) (string, error)
	ServerTime(ctx context.Context) (time.Time, error)
	Readings(ctx context.Context, sessionID string, minutes, maxCount int) ([]share.Reading, error)
}

// ShareSession polls the Share service for the latest reading, timing each
// request to land just after the next expected sample, and fills gaps from
// the service's history.
type ShareSession struct {
	driver
	client ShareClient
	emit   Callback
	log    zerolog.Logger

	sessionID  string
	loggedIn   bool
	waitIndex  int
	delta      time.Duration
	synced     bool
	lastSync   time.Time
	last       glucose.Value
	buffer     []time.Time // emitted sensor times, server clock
	backfilled bool
}

// shareSample is a reading converted to host time together with its sensor
// time on the server clock. Emitted readings are tracked by server time,
// which a resync does not move.
type shareSample struct {
	value  glucose.Value
	server time.Time
}

// NewShareSession creates a stopped session
func NewShareSession(client ShareClient, clk clock.Clock, logger zerolog.Logger, emit Callback) *ShareSession {
	s := &ShareSession{
		client:    client,
		emit:      emit,
		log:       logger.With().Str("component", "share").Logger(),
		waitIndex: -1,
	}
	s.driver = driver{
		slot:  slot{clock: clk},
		clock: clk,
		track: &tracker{status: Status{Name: s.Name(), State: StateStopped}},
		poll:  s.poll,
	}
	return s
}

// Name identifies the session in logs and status
func (s *ShareSession) Name() string { return "share" }

// Start begins polling. A session id from an earlier run is reused.
func (s *ShareSession) Start() {
	s.mu.Lock()
	if s.sessionID != "" {
		s.loggedIn = true
		s.track.setState(StateLoggedIn)
	} else {
		s.track.setState(StateLoggedOut)
	}
	s.mu.Unlock()

	s.driver.start()
	s.log.Info().Msg("started share session")
}

// Stop cancels polling
func (s *ShareSession) Stop() {
	s.driver.stop(nil)
	s.log.Info().Msg("stopped share session")
}

// Status returns a snapshot of the session
func (s *ShareSession) Status() Status {
	return s.track.snapshot()
}

func (s *ShareSession) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), ShareRequestTimeout)
}

func (s *ShareSession) poll() (time.Duration, bool) {
	if !s.loggedIn {
		s.login()
	}
	if !s.loggedIn {
		return ShareRetryLogin, true
	}

	if err := s.synchronize(); err != nil {
		return ShareRetrySync, true
	}

	sample, err := s.latest()
	if err != nil {
		s.requestFailed(err)
		return s.nextWait(), true
	}
	latest := sample.value
	if latest.IsZero() {
		s.log.Warn().Msg("received no glucose value")
		return s.nextWait(), true
	}
	if !s.last.IsZero() && s.last.Equal(latest) {
		s.log.Debug().Msg("received the same glucose value as last time")
		return s.nextWait(), true
	}

	s.last = latest
	s.waitIndex = -1
	batch := append([]glucose.Value{latest}, s.backfill(sample)...)
	batch = glucose.Dedup(batch)
	s.emit(batch)
	s.track.emitted(batch)

	age := s.clock.Now().Sub(latest.SensorTime())
	delay := NextPollDelay(age)
	s.log.Info().
		Float64("value", latest.Value()).
		Str("trend", latest.Trend().String()).
		Dur("age", age).
		Dur("next", delay).
		Msg("received new glucose value")
	return delay, true
}

func (s *ShareSession) login() {
	ctx, cancel := s.context()
	defer cancel()

	s.log.Debug().Msg("attempting to login")
	id, err := s.client.Login(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("login failed")
		s.loggedIn = false
		s.track.fail(err)
		s.track.setState(StateLoggedOut)
		return
	}
	s.sessionID = id
	s.loggedIn = true
	s.log.Info().Msg("login successful")
	s.track.setState(StateLoggedIn)
}

// synchronize measures the offset between the host clock and the server's
// at most every ShareResync. The request midpoint is the local reference.
// A failed resync keeps the previous offset and retries after
// ShareRetrySync; only a session that never synchronized waits.
func (s *ShareSession) synchronize() error {
	now := s.clock.Now()
	if s.synced && now.Sub(s.lastSync) < ShareResync {
		return nil
	}

	ctx, cancel := s.context()
	defer cancel()

	s.log.Debug().Msg("requesting server time")
	before := s.clock.Now()
	server, err := s.client.ServerTime(ctx)
	after := s.clock.Now()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to get system time from share server")
		s.track.fail(err)
		if s.synced {
			s.lastSync = after.Add(ShareRetrySync - ShareResync)
			return nil
		}
		return err
	}

	local := before.Add(after.Sub(before) / 2)
	s.delta = local.Sub(server)
	s.synced = true
	s.lastSync = after
	s.log.Debug().Time("server_time", server).Dur("skew", s.delta).Msg("synchronized with share server")
	return nil
}

func (s *ShareSession) latest() (shareSample, error) {
	samples, err := s.read(latestRead)
	if err != nil || len(samples) == 0 {
		return shareSample{}, err
	}
	return samples[0], nil
}

// read fetches readings, newest first, converted to host time
func (s *ShareSession) read(r bulkRead) ([]shareSample, error) {
	ctx, cancel := s.context()
	defer cancel()

	readings, err := s.client.Readings(ctx, s.sessionID, r.minutes, r.maxCount)
	if err != nil {
		return nil, err
	}
	samples := make([]shareSample, 0, len(readings))
	for _, reading := range readings {
		samples = append(samples, shareSample{
			value: glucose.New(
				reading.SystemTime.Add(s.delta),
				reading.DisplayTime,
				reading.WallTime.Add(s.delta),
				reading.Value,
				reading.Trend,
				glucose.SourceShare,
			),
			server: reading.SystemTime.UTC(),
		})
	}
	return samples, nil
}

func (s *ShareSession) requestFailed(err error) {
	s.track.fail(err)
	if share.IsAuth(err) {
		s.log.Warn().Err(err).Msg("share session expired")
		s.loggedIn = false
		s.track.setState(StateLoggedOut)
		return
	}
	s.log.Warn().Err(err).Msg("share request failed")
}

// nextWait returns the next delay from the wait table. Running off its end
// forces a fresh login on the next cycle.
func (s *ShareSession) nextWait() time.Duration {
	switch {
	case s.waitIndex < 0:
		s.waitIndex = 0
	case s.waitIndex < len(shareWaits)-1:
		s.waitIndex++
	default:
		s.loggedIn = false
		s.track.setState(StateLoggedOut)
		s.waitIndex = 0
	}
	return shareWaits[s.waitIndex]
}

// NextPollDelay schedules the next poll shortly after the next expected
// sample, given the age of the newest one.
func NextPollDelay(age time.Duration) time.Duration {
	if age >= ShareCadence {
		return ShareFloor
	}
	return max(ShareCadence-age+ShareGrace, ShareFloor)
}

// backfill records latest in the buffer and, when the buffer is short of a
// full window, fetches history and returns the readings it was missing.
func (s *ShareSession) backfill(latest shareSample) []glucose.Value {
	cutoff := s.clock.Now().Add(-s.delta).Add(-ShareWindow)
	s.buffer = insertTime(s.buffer, latest.server)
	s.buffer = pruneTimes(s.buffer, cutoff)

	if s.backfilled && len(s.buffer) >= ShareWindowSamples {
		return nil
	}

	read := backfillRead
	if s.backfilled {
		s.log.Info().Int("buffered", len(s.buffer)).Msg("missing measurements, attempting to backfill")
	} else {
		read = initialBackfillRead
		s.log.Info().Msg("executing initial backfill")
	}

	bulk, err := s.read(read)
	if err != nil {
		s.requestFailed(err)
		return nil
	}
	s.backfilled = true

	missing, merged := mergeBackfill(s.buffer, bulk)
	s.buffer = pruneTimes(merged, cutoff)
	s.log.Debug().Int("received", len(bulk)).Int("backfilled", len(missing)).Msg("backfill complete")
	return missing
}

// mergeBackfill walks the ascending buffer of emitted server sensor times
// against bulk, which is newest first. Bulk entries whose server time is
// already buffered are consumed; the rest are returned as missing. merged is
// the ascending union of both.
func mergeBackfill(buffer []time.Time, bulk []shareSample) (missing []glucose.Value, merged []time.Time) {
	merged = make([]time.Time, 0, len(buffer)+len(bulk))
	i := 0
	for _, sample := range slices.Backward(bulk) {
		t := sample.server
		for i < len(buffer) && buffer[i].Before(t) {
			merged = append(merged, buffer[i])
			i++
		}
		if i < len(buffer) && buffer[i].Equal(t) {
			i++
		} else {
			missing = append(missing, sample.value)
		}
		merged = append(merged, t)
	}
	merged = append(merged, buffer[i:]...)
	return missing, merged
}

func insertTime(times []time.Time, t time.Time) []time.Time {
	i, found := slices.BinarySearchFunc(times, t, time.Time.Compare)
	if found {
		return times
	}
	return slices.Insert(times, i, t)
}

// pruneTimes drops times at or before cutoff
func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	i, _ := slices.BinarySearchFunc(times, cutoff, time.Time.Compare)
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
