// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/glucostat/internal/clock"
	"github.com/Thermoquad/glucostat/internal/glucose"
	"github.com/Thermoquad/glucostat/internal/share"
)

// ============================================================
// Test Helpers
// ============================================================

// fakeShare serves readings from an in-memory history, newest first
type fakeShare struct {
	mu       sync.Mutex
	clk      clock.Clock
	skew     time.Duration
	history  []share.Reading
	loginErr error
	timeErr  error
	readErr  error

	logins    int
	timeCalls int
	reads     []bulkRead
}

func (f *fakeShare) Login(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return "session-1", nil
}

func (f *fakeShare) ServerTime(ctx context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeCalls++
	if f.timeErr != nil {
		return time.Time{}, f.timeErr
	}
	return f.clk.Now().Add(f.skew), nil
}

func (f *fakeShare) Readings(ctx context.Context, sessionID string, minutes, maxCount int) ([]share.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, bulkRead{minutes: minutes, maxCount: maxCount})
	if f.readErr != nil {
		return nil, f.readErr
	}
	since := f.clk.Now().Add(f.skew).Add(-time.Duration(minutes) * time.Minute)
	var out []share.Reading
	for _, r := range f.history {
		if len(out) == maxCount || r.SystemTime.Before(since) {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

// publish prepends a reading taken at server time st
func (f *fakeShare) publish(st time.Time, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := share.Reading{SystemTime: st, DisplayTime: st, WallTime: st, Value: value, Trend: glucose.TrendFlat}
	f.history = append([]share.Reading{r}, f.history...)
}

func (f *fakeShare) set(fn func(f *fakeShare)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type shareHarness struct {
	clk     *clock.Fake
	client  *fakeShare
	session *ShareSession

	mu      sync.Mutex
	batches [][]glucose.Value
}

func newShareHarness(t *testing.T) *shareHarness {
	t.Helper()
	h := &shareHarness{clk: clock.NewFake(base)}
	h.client = &fakeShare{clk: h.clk}
	h.session = NewShareSession(h.client, h.clk, zerolog.Nop(), func(values []glucose.Value) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.batches = append(h.batches, values)
	})
	t.Cleanup(h.session.Stop)
	return h
}

func (h *shareHarness) emitted() [][]glucose.Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]glucose.Value(nil), h.batches...)
}

func ts(seconds int) time.Time {
	return base.Add(time.Duration(seconds) * time.Second)
}

// sampleAt is a reading at server time ts(seconds), shown shift later on the
// host clock
func sampleAt(seconds int, shift time.Duration) shareSample {
	t := ts(seconds)
	host := t.Add(shift)
	return shareSample{
		value:  glucose.New(host, t, host, 100, glucose.TrendFlat, glucose.SourceShare),
		server: t,
	}
}

// ============================================================
// Backfill Merge
// ============================================================

func TestMergeBackfill_EmitsOnlyMissing(t *testing.T) {
	buffer := []time.Time{ts(100), ts(200), ts(300)}
	bulk := []shareSample{sampleAt(300, 0), sampleAt(250, 0), sampleAt(200, 0), sampleAt(150, 0), sampleAt(100, 0)}

	missing, merged := mergeBackfill(buffer, bulk)

	if len(missing) != 2 || !missing[0].SensorTime().Equal(ts(150)) || !missing[1].SensorTime().Equal(ts(250)) {
		t.Errorf("Expected {150, 250}, got %v", missing)
	}
	want := []time.Time{ts(100), ts(150), ts(200), ts(250), ts(300)}
	if len(merged) != len(want) {
		t.Fatalf("Expected %d merged, got %d", len(want), len(merged))
	}
	for i := range want {
		if !merged[i].Equal(want[i]) {
			t.Errorf("merged[%d]: expected %v, got %v", i, want[i], merged[i])
		}
	}
}

func TestMergeBackfill_KeepsNewerBufferEntries(t *testing.T) {
	buffer := []time.Time{ts(100), ts(400), ts(500)}
	bulk := []shareSample{sampleAt(300, 0), sampleAt(200, 0), sampleAt(100, 0)}

	missing, merged := mergeBackfill(buffer, bulk)

	if len(missing) != 2 {
		t.Errorf("Expected 2 missing, got %d", len(missing))
	}
	want := []time.Time{ts(100), ts(200), ts(300), ts(400), ts(500)}
	if len(merged) != len(want) {
		t.Fatalf("Expected %v, got %v", want, merged)
	}
	for i := range want {
		if !merged[i].Equal(want[i]) {
			t.Errorf("merged[%d]: expected %v, got %v", i, want[i], merged[i])
		}
	}
}

func TestMergeBackfill_EmptyBuffer(t *testing.T) {
	bulk := []shareSample{sampleAt(200, 0), sampleAt(100, 0)}
	missing, merged := mergeBackfill(nil, bulk)
	if len(missing) != 2 || len(merged) != 2 {
		t.Errorf("Expected everything missing, got %d missing, %d merged", len(missing), len(merged))
	}
	if !merged[0].Equal(ts(100)) {
		t.Errorf("Expected merged ascending, got %v", merged)
	}
}

func TestMergeBackfill_MatchesOnServerTime(t *testing.T) {
	buffer := []time.Time{ts(100), ts(200)}
	// host times moved by a new clock offset since the buffer was filled
	bulk := []shareSample{sampleAt(300, time.Second), sampleAt(200, time.Second), sampleAt(100, time.Second)}

	missing, merged := mergeBackfill(buffer, bulk)

	if len(missing) != 1 {
		t.Fatalf("Expected only the unbuffered reading, got %v", missing)
	}
	if want := ts(301); !missing[0].SensorTime().Equal(want) {
		t.Errorf("Expected host time %v, got %v", want, missing[0].SensorTime())
	}
	want := []time.Time{ts(100), ts(200), ts(300)}
	if len(merged) != len(want) {
		t.Fatalf("Expected %v, got %v", want, merged)
	}
	for i := range want {
		if !merged[i].Equal(want[i]) {
			t.Errorf("merged[%d]: expected %v, got %v", i, want[i], merged[i])
		}
	}
}

// ============================================================
// Poll Timing
// ============================================================

func TestNextPollDelay(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want time.Duration
	}{
		{0, 310 * time.Second},
		{100 * time.Second, 210 * time.Second},
		{299 * time.Second, 11 * time.Second},
		{300 * time.Second, ShareFloor},
		{time.Hour, ShareFloor},
	}
	for _, tt := range tests {
		t.Run(tt.age.String(), func(t *testing.T) {
			if got := NextPollDelay(tt.age); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestShare_WaitTableEscalatesThenRelogs(t *testing.T) {
	h := newShareHarness(t)
	h.client.publish(ts(-60), 120)

	delay, _ := h.session.poll()
	if delay != NextPollDelay(60*time.Second) {
		t.Errorf("Expected delay from sample age, got %v", delay)
	}

	for i, want := range shareWaits {
		got, _ := h.session.poll()
		if got != want {
			t.Errorf("wait %d: expected %v, got %v", i, want, got)
		}
	}
	if !h.session.loggedIn {
		t.Fatal("Logged out before the table ran out")
	}

	// running off the end restarts the table and forces a login
	if got, _ := h.session.poll(); got != shareWaits[0] {
		t.Errorf("Expected the table to restart, got %v", got)
	}
	if h.session.loggedIn {
		t.Error("Expected a forced logout")
	}
	h.session.poll()
	if h.client.logins != 2 {
		t.Errorf("Expected a second login, got %d", h.client.logins)
	}
}

// ============================================================
// Deduplication and Backfill
// ============================================================

func TestShare_SameReadingEmittedOnce(t *testing.T) {
	h := newShareHarness(t)
	h.client.publish(ts(-30), 140)

	h.session.poll()
	h.session.poll()

	batches := h.emitted()
	if len(batches) != 1 {
		t.Fatalf("Expected the reading once, got %d batches", len(batches))
	}
	if len(batches[0]) != 1 || batches[0][0].Value() != 140 {
		t.Errorf("Unexpected batch %v", batches[0])
	}
}

func TestShare_InitialBackfillThenSkip(t *testing.T) {
	h := newShareHarness(t)
	// a full day of history, 5 minutes apart
	for k := 287; k >= 0; k-- {
		h.client.publish(ts(-k*300-30), float64(100+k%40))
	}

	h.session.poll()

	batches := h.emitted()
	if len(batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(batches))
	}
	if len(batches[0]) != 288 {
		t.Errorf("Expected 288 values from the initial backfill, got %d", len(batches[0]))
	}
	reads := h.client.reads
	if len(reads) != 2 || reads[0] != latestRead || reads[1] != initialBackfillRead {
		t.Errorf("Expected latest then initial backfill reads, got %v", reads)
	}

	// the window is now full, so the next value needs no history
	h.clk.Advance(5 * time.Minute)
	h.client.publish(ts(270), 150)
	h.session.poll()

	reads = h.client.reads
	if len(reads) != 3 {
		t.Errorf("Expected only a latest read, got %v", reads[2:])
	}
	batches = h.emitted()
	if len(batches) != 2 || len(batches[1]) != 1 {
		t.Errorf("Expected a single new value, got %v", batches[len(batches)-1])
	}
}

func TestShare_RoutineBackfillFillsGap(t *testing.T) {
	h := newShareHarness(t)
	h.client.publish(ts(-600), 110)
	h.session.poll()

	// the service gained two readings the session never saw
	h.client.publish(ts(-300), 112)
	h.client.publish(ts(0), 114)
	h.session.poll()

	reads := h.client.reads
	if last := reads[len(reads)-1]; last != backfillRead {
		t.Errorf("Expected a routine backfill read, got %v", last)
	}
	batches := h.emitted()
	if len(batches) != 2 {
		t.Fatalf("Expected 2 batches, got %d", len(batches))
	}
	second := batches[1]
	if len(second) != 2 || !second[0].SensorTime().Equal(ts(-300)) || !second[1].SensorTime().Equal(ts(0)) {
		t.Errorf("Expected the gap and the new value, got %v", second)
	}
}

// ============================================================
// Login and Clock Sync
// ============================================================

func TestShare_LoginFailureRetries(t *testing.T) {
	h := newShareHarness(t)
	h.client.set(func(f *fakeShare) { f.loginErr = &share.AuthError{Status: http.StatusInternalServerError} })

	h.session.Start()
	h.clk.Advance(startDelay)

	status := h.session.Status()
	if status.State != StateLoggedOut {
		t.Errorf("Expected logged out, got %s", status.State)
	}
	if want := h.clk.Now().Add(ShareRetryLogin); !status.NextPoll.Equal(want) {
		t.Errorf("Expected retry at %v, got %v", want, status.NextPoll)
	}
	if len(h.client.reads) != 0 {
		t.Error("Read readings without a session")
	}

	h.client.set(func(f *fakeShare) { f.loginErr = nil })
	h.clk.Advance(ShareRetryLogin)
	if h.session.Status().State != StateLoggedIn {
		t.Errorf("Expected logged in after retry, got %s", h.session.Status().State)
	}
}

func TestShare_ServerSkewCorrected(t *testing.T) {
	h := newShareHarness(t)
	h.client.skew = time.Minute
	h.client.publish(base.Add(time.Minute).Add(-30*time.Second), 130)

	h.session.poll()

	batches := h.emitted()
	if len(batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(batches))
	}
	if got := batches[0][0].SensorTime(); !got.Equal(ts(-30)) {
		t.Errorf("Expected sensor time in host clock %v, got %v", ts(-30), got)
	}
}

func TestShare_ResyncDoesNotReemitBackfill(t *testing.T) {
	h := newShareHarness(t)
	for k := 5; k >= 0; k-- {
		h.client.publish(ts(-k*300-30), float64(100+k))
	}

	h.session.poll()
	batches := h.emitted()
	if len(batches) != 1 || len(batches[0]) != 6 {
		t.Fatalf("Expected 6 values from the initial backfill, got %v", batches)
	}

	// the resync measures a slightly different offset
	h.clk.Advance(ShareResync)
	h.client.set(func(f *fakeShare) { f.skew = time.Second })
	h.client.publish(h.clk.Now().Add(time.Second).Add(-30*time.Second), 150)
	h.session.poll()

	if h.client.timeCalls != 2 {
		t.Fatalf("Expected a resync, got %d time requests", h.client.timeCalls)
	}
	reads := h.client.reads
	if last := reads[len(reads)-1]; last != backfillRead {
		t.Errorf("Expected a routine backfill read, got %v", last)
	}
	batches = h.emitted()
	if len(batches) != 2 {
		t.Fatalf("Expected 2 batches, got %d", len(batches))
	}
	second := batches[1]
	if len(second) != 1 || second[0].Rounded() != 150 {
		t.Errorf("Expected only the new value, got %v", second)
	}
	if len(h.session.buffer) != 7 {
		t.Errorf("Expected 7 buffered times, got %d", len(h.session.buffer))
	}
}

func TestShare_TimeSyncFailureAndResync(t *testing.T) {
	h := newShareHarness(t)
	h.client.set(func(f *fakeShare) { f.timeErr = errors.New("timeout") })
	h.client.publish(ts(-30), 130)

	if delay, _ := h.session.poll(); delay != ShareRetrySync {
		t.Errorf("Expected %v after failed sync, got %v", ShareRetrySync, delay)
	}
	if len(h.emitted()) != 0 {
		t.Error("Emitted before the clock was synchronized")
	}

	h.client.set(func(f *fakeShare) { f.timeErr = nil })
	h.session.poll()
	h.session.poll()
	if h.client.timeCalls != 2 {
		t.Errorf("Expected no resync within %v, got %d calls", ShareResync, h.client.timeCalls)
	}

	h.clk.Advance(ShareResync)
	h.session.poll()
	if h.client.timeCalls != 3 {
		t.Errorf("Expected a resync after %v, got %d calls", ShareResync, h.client.timeCalls)
	}
}

func TestShare_ExpiredSessionLogsOut(t *testing.T) {
	h := newShareHarness(t)
	h.client.publish(ts(-30), 130)
	h.session.poll()

	h.client.set(func(f *fakeShare) {
		f.readErr = &share.AuthError{Status: http.StatusInternalServerError, Body: share.CodeSessionIDNotFound}
	})
	h.session.poll()
	if h.session.loggedIn {
		t.Fatal("Expected the session to be logged out")
	}
	if h.session.Status().State != StateLoggedOut {
		t.Errorf("Expected logged out state, got %s", h.session.Status().State)
	}

	h.client.set(func(f *fakeShare) { f.readErr = nil })
	h.session.poll()
	if h.client.logins != 2 {
		t.Errorf("Expected a fresh login, got %d", h.client.logins)
	}
}

func TestShare_StartReusesSession(t *testing.T) {
	h := newShareHarness(t)
	h.client.publish(ts(-30), 130)
	h.session.Start()
	h.clk.Advance(startDelay)
	h.session.Stop()

	h.session.Start()
	h.clk.Advance(startDelay)
	if h.client.logins != 1 {
		t.Errorf("Expected the session id to be reused, got %d logins", h.client.logins)
	}
	if h.clk.PendingCount() != 1 {
		t.Errorf("Expected one pending timer, got %d", h.clk.PendingCount())
	}
}
