// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time advances only through
// Advance. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	changed *sync.Cond
	now     time.Time
	pending []*fakeTimer
}

// fakeTimer is one registered After, AfterFunc, or ticker.
type fakeTimer struct {
	deadline time.Time

	// Exactly one of channel and callback is set.
	channel  chan time.Time
	callback func()

	// period is non-zero for tickers, which are rescheduled after
	// each firing instead of being removed.
	period time.Duration

	done bool
}

// Fake returns a FakeClock whose current time is start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a one-shot channel timer.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.addLocked(&fakeTimer{deadline: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc registers f to run during the Advance that crosses its
// deadline. A non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	timer := &fakeTimer{callback: f}
	c.mu.Lock()
	timer.deadline = c.now.Add(d)
	c.addLocked(timer)
	c.mu.Unlock()
	return &Timer{stop: func() bool { return c.cancel(timer) }}
}

// NewTicker registers a periodic timer.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	channel := make(chan time.Time, 1)
	timer := &fakeTimer{channel: channel, period: d}
	c.mu.Lock()
	timer.deadline = c.now.Add(d)
	c.addLocked(timer)
	c.mu.Unlock()
	return &Ticker{C: channel, stop: func() { c.cancel(timer) }}
}

// Advance moves time forward by d and fires every timer whose deadline
// is reached, earliest first. Timers registered by callbacks during
// Advance fire in the same call when their deadline is within range.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, timer := range due {
			if timer.callback != nil {
				timer.callback()
				continue
			}
			select {
			case timer.channel <- target:
			default:
			}
		}
	}
}

// WaitForTimers blocks until at least n timers are pending. Call it
// before Advance to avoid racing a goroutine that is about to arm a
// timer.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of pending timers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) addLocked(timer *fakeTimer) {
	c.pending = append(c.pending, timer)
	c.changed.Broadcast()
}

func (c *FakeClock) cancel(timer *fakeTimer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer.done {
		return false
	}
	timer.done = true
	for i, candidate := range c.pending {
		if candidate == timer {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.changed.Broadcast()
	return true
}

// takeDue removes the timers due at target from the pending list,
// reschedules tickers, and returns the timers to fire in deadline
// order.
func (c *FakeClock) takeDue(target time.Time) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*fakeTimer
	for _, timer := range c.pending {
		if timer.deadline.After(target) {
			remaining = append(remaining, timer)
			continue
		}
		due = append(due, timer)
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, timer := range due {
		if timer.period > 0 {
			timer.deadline = timer.deadline.Add(timer.period)
			remaining = append(remaining, timer)
		} else {
			timer.done = true
		}
	}
	c.pending = remaining
	c.changed.Broadcast()
	return due
}
