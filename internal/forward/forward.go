// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package forward fans glucose values emitted by the sessions out to the
// configured sinks.
//
// Sessions hand batches to Forwarder.Submit, which never blocks. A single
// goroutine deduplicates each value against an ordered series and publishes
// it to every sink. A sink that fails keeps the value in a bounded pending
// list and retries it, oldest first, ahead of the next value.
package forward

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/glucostat/internal/clock"
	"github.com/Thermoquad/glucostat/internal/glucose"
)

// Forwarding limits
const (
	MaxPending     = 1000
	PublishTimeout = 10 * time.Second
)

// ErrClosed is returned by Submit after Close
var ErrClosed = errors.New("forwarder closed")

// Sink publishes values to one destination. Publish is only ever called from
// the forwarder goroutine.
type Sink interface {
	Name() string
	// Publish sends v. newest is true when v is later than every value
	// forwarded so far.
	Publish(ctx context.Context, v glucose.Value, newest bool) error
	Close() error
}

type pendingValue struct {
	value  glucose.Value
	newest bool
}

// sinkState tracks the values a sink has not accepted yet
type sinkState struct {
	sink    Sink
	pending []pendingValue
	sent    uint64
	failed  uint64
	dropped uint64
	lastErr error
}

// SinkStatus is a snapshot of one sink's delivery counters
type SinkStatus struct {
	Name      string `json:"name"`
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Pending   int    `json:"pending"`
	LastError string `json:"last_error,omitempty"`
}

// Forwarder deduplicates values and delivers them to its sinks
type Forwarder struct {
	clock clock.Clock
	log   zerolog.Logger

	mu     sync.Mutex
	queue  []glucose.Value
	series *glucose.Series
	sinks  []*sinkState
	closed bool

	notify chan struct{}
	done   chan struct{}
}

// New creates a forwarder and starts its goroutine
func New(clk clock.Clock, logger zerolog.Logger, sinks ...Sink) *Forwarder {
	f := &Forwarder{
		clock:  clk,
		log:    logger.With().Str("component", "forward").Logger(),
		series: glucose.NewSeries(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, s := range sinks {
		f.sinks = append(f.sinks, &sinkState{sink: s})
	}
	go f.run()
	return f
}

// Submit enqueues a batch. It is safe to use as a session.Callback.
func (f *Forwarder) Submit(values []glucose.Value) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.queue = append(f.queue, values...)
	select {
	case f.notify <- struct{}{}:
	default:
	}
	f.mu.Unlock()
	return nil
}

// Callback adapts Submit to the session callback signature
func (f *Forwarder) Callback(values []glucose.Value) {
	if err := f.Submit(values); err != nil {
		f.log.Warn().Int("count", len(values)).Msg("values arrived after shutdown")
	}
}

// Values returns the deduplicated series, oldest first
func (f *Forwarder) Values() []glucose.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.series.Values()
}

// Latest returns the newest forwarded value
func (f *Forwarder) Latest() (glucose.Value, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.series.Latest()
}

// Sinks returns delivery counters for every sink
func (f *Forwarder) Sinks() []SinkStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SinkStatus, 0, len(f.sinks))
	for _, s := range f.sinks {
		st := SinkStatus{
			Name:    s.sink.Name(),
			Sent:    s.sent,
			Failed:  s.failed,
			Dropped: s.dropped,
			Pending: len(s.pending),
		}
		if s.lastErr != nil {
			st.LastError = s.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}

// Close stops accepting values, drains the queue and closes every sink
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		<-f.done
		return nil
	}
	f.closed = true
	close(f.notify)
	f.mu.Unlock()
	<-f.done

	var errs []error
	for _, s := range f.sinks {
		if n := len(s.pending); n > 0 {
			f.log.Warn().Str("sink", s.sink.Name()).Int("pending", n).Msg("sink closed with undelivered values")
		}
		if err := s.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Forwarder) run() {
	defer close(f.done)
	for range f.notify {
		f.drain()
	}
	f.drain()
}

// drain processes everything queued so far
func (f *Forwarder) drain() {
	for {
		f.mu.Lock()
		batch := f.queue
		f.queue = nil
		f.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, v := range batch {
			f.process(v)
		}
	}
}

func (f *Forwarder) process(v glucose.Value) {
	f.mu.Lock()
	inserted, newest := f.series.Insert(v, f.clock.Now())
	f.mu.Unlock()
	if !inserted {
		f.log.Debug().Stringer("value", v).Msg("duplicate value skipped")
		return
	}

	f.log.Debug().Stringer("value", v).Bool("newest", newest).Msg("forwarding value")
	for _, s := range f.sinks {
		f.deliver(s, pendingValue{value: v, newest: newest})
	}
}

// deliver retries the sink's pending values before pv. Delivery stops at the
// first failure so values reach the sink in order.
func (f *Forwarder) deliver(s *sinkState, pv pendingValue) {
	f.mu.Lock()
	s.pending = append(s.pending, pv)
	if len(s.pending) > MaxPending {
		over := len(s.pending) - MaxPending
		s.pending = s.pending[over:]
		s.dropped += uint64(over)
	}
	queued := len(s.pending)
	f.mu.Unlock()

	sent := 0
	var err error
	for _, p := range s.pending[:queued] {
		ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
		err = s.sink.Publish(ctx, p.value, p.newest)
		cancel()
		if err != nil {
			break
		}
		sent++
	}

	f.mu.Lock()
	s.pending = s.pending[sent:]
	s.sent += uint64(sent)
	if err != nil {
		s.failed++
		s.lastErr = err
	}
	pending := len(s.pending)
	f.mu.Unlock()

	if err != nil {
		f.log.Warn().Err(err).Str("sink", s.sink.Name()).Int("pending", pending).Msg("publish failed")
	} else if sent > 1 {
		f.log.Info().Str("sink", s.sink.Name()).Int("count", sent).Msg("pending values delivered")
	}
}
