// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package session turns receiver and Share access into a stream of new
// glucose values. Each session is driven by a single timer: a poll cycle
// runs under the session lock and arms the next one before it returns, so
// cycles of one session never overlap.
package session

import (
	"sync"
	"time"

	"github.com/Thermoquad/glucostat/internal/clock"
	"github.com/Thermoquad/glucostat/internal/glucose"
	"github.com/Thermoquad/glucostat/pkg/dexcom"
)

// startDelay is the wait before the first cycle after Start
const startDelay = 100 * time.Millisecond

// Callback receives the values found by one poll cycle, ascending by sensor
// time. It runs with the session lock held and must not block.
type Callback func(values []glucose.Value)

// Session is a running source of glucose values
type Session interface {
	Name() string
	Start()
	Stop()
	Status() Status
}

// State is a session's position in its state machine
type State uint8

const (
	StateStopped State = iota
	StateDisconnected
	StateConnecting
	StatePolling
	StateLoggedOut
	StateLoggedIn
	StateFailed
)

var stateNames = []string{"stopped", "disconnected", "connecting", "polling", "logged_out", "logged_in", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time snapshot of a session
type Status struct {
	Name       string                     `json:"name"`
	State      State                      `json:"state"`
	LastValue  *glucose.Value             `json:"last_value,omitempty"`
	LastPoll   time.Time                  `json:"last_poll,omitzero"`
	NextPoll   time.Time                  `json:"next_poll,omitzero"`
	Polls      uint64                     `json:"polls"`
	Emitted    uint64                     `json:"emitted"`
	Errors     uint64                     `json:"errors"`
	LastError  string                     `json:"last_error,omitempty"`
	Generation string                     `json:"generation,omitempty"`
	Link       *dexcom.StatisticsSnapshot `json:"link,omitempty"`
}

// tracker holds the status snapshot behind its own lock, so Status never
// waits for a cycle blocked on I/O.
type tracker struct {
	mu     sync.Mutex
	status Status
}

func (t *tracker) update(fn func(s *Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.status)
}

func (t *tracker) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.status
	if s.LastValue != nil {
		v := *s.LastValue
		s.LastValue = &v
	}
	return s
}

func (t *tracker) setState(state State) {
	t.update(func(s *Status) { s.State = state })
}

func (t *tracker) fail(err error) {
	t.update(func(s *Status) {
		s.Errors++
		s.LastError = err.Error()
	})
}

func (t *tracker) emitted(values []glucose.Value) {
	if len(values) == 0 {
		return
	}
	latest := values[len(values)-1]
	t.update(func(s *Status) {
		s.Emitted += uint64(len(values))
		if s.LastValue == nil || s.LastValue.Before(latest) {
			s.LastValue = &latest
		}
	})
}

// slot holds a session's single pending timer. Arming it cancels whatever
// was pending, so timers never accumulate.
type slot struct {
	clock clock.Clock
	timer *clock.Timer
	due   time.Time
}

// arm schedules f after d, which must be positive
func (s *slot) arm(d time.Duration, f func()) time.Time {
	s.disarm()
	s.due = s.clock.Now().Add(d)
	s.timer = s.clock.AfterFunc(d, f)
	return s.due
}

func (s *slot) disarm() {
	s.timer.Stop()
	s.timer = nil
	s.due = time.Time{}
}

// driver runs a session's poll function on its timer. poll is called with
// mu held and returns the delay before the next cycle; ok=false stops the
// session from rescheduling itself.
type driver struct {
	mu      sync.Mutex
	slot    slot
	running bool
	gen     uint64

	clock clock.Clock
	track *tracker
	poll  func() (delay time.Duration, ok bool)
}

func (d *driver) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.gen++
	d.schedule(startDelay)
}

// stop cancels the pending cycle. It waits for a running cycle to finish
// and then runs cleanup under the same lock.
func (d *driver) stop(cleanup func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.slot.disarm()
	if cleanup != nil {
		cleanup()
	}
	d.track.update(func(s *Status) {
		s.State = StateStopped
		s.NextPoll = time.Time{}
	})
}

func (d *driver) schedule(delay time.Duration) {
	gen := d.gen
	due := d.slot.arm(delay, func() { d.fire(gen) })
	d.track.update(func(s *Status) { s.NextPoll = due })
}

func (d *driver) fire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// a timer from before a Stop/Start pair may still fire
	if !d.running || gen != d.gen {
		return
	}

	now := d.clock.Now()
	d.track.update(func(s *Status) {
		s.Polls++
		s.LastPoll = now
	})

	delay, ok := d.poll()
	if !ok {
		d.slot.disarm()
		d.track.update(func(s *Status) { s.NextPoll = time.Time{} })
		return
	}
	d.schedule(delay)
}
