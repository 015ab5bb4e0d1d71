// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package clock

import (
	"sync"
	"time"
)

// Fake is a Clock that only moves when Advance is called. It is safe for
// concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline order,
// with Now reporting the callback's own deadline. A callback may schedule
// further timers; those fire within the same Advance if they fall inside
// it. A callback must not call Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	callback func()
	channel  chan time.Time
	done     bool
}

// NewFake returns a fake clock reading initial
func NewFake(initial time.Time) *Fake {
	c := &Fake{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock passes now+d
func (c *Fake) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.add(&waiter{deadline: c.now.Add(d), channel: ch})
	return ch
}

// AfterFunc registers f to run when the clock passes now+d. A non-positive
// d runs f before AfterFunc returns.
func (c *Fake) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{deadline: c.now.Add(d), callback: f}
	c.add(w)

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.done {
			return false
		}
		w.done = true
		c.changed.Broadcast()
		return true
	}}
}

// add registers w. Must be called with c.mu held.
func (c *Fake) add(w *waiter) {
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d, firing every waiter whose deadline
// falls within the step.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		w := c.popExpired(target)
		if w == nil {
			break
		}
		if w.callback != nil {
			w.callback()
		} else {
			select {
			case w.channel <- w.deadline:
			default:
			}
		}
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// popExpired removes the earliest live waiter due at or before target and
// moves the clock to its deadline.
func (c *Fake) popExpired(target time.Time) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := -1
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if w.done {
			continue
		}
		live = append(live, w)
	}
	c.waiters = live

	for i, w := range c.waiters {
		if w.deadline.After(target) {
			continue
		}
		if best < 0 || w.deadline.Before(c.waiters[best].deadline) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}

	w := c.waiters[best]
	w.done = true
	c.waiters = append(c.waiters[:best], c.waiters[best+1:]...)
	if w.deadline.After(c.now) {
		c.now = w.deadline
	}
	return w
}

// WaitForTimers blocks until at least n waiters are pending. Use it to
// avoid racing a goroutine that is about to register a timer.
func (c *Fake) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of waiters that have not fired or been
// stopped
func (c *Fake) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *Fake) pendingLocked() int {
	n := 0
	for _, w := range c.waiters {
		if !w.done {
			n++
		}
	}
	return n
}

// NextDeadline returns the earliest pending deadline
func (c *Fake) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next time.Time
	found := false
	for _, w := range c.waiters {
		if w.done {
			continue
		}
		if !found || w.deadline.Before(next) {
			next, found = w.deadline, true
		}
	}
	return next, found
}
