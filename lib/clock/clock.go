// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the time operations used by the relay.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. A
	// non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels
	// the pending call.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks every d on the returned Ticker's C.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the call. Returns false if it already ran or was
// already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks. C has capacity 1; ticks are dropped
// when the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }
