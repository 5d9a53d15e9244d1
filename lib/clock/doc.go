// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the time source for every timer in the relay:
// the restart debounce, the child shutdown grace, respawn backoff, the
// device reconnect delay, the simulated settings commit delay, and the
// periodic device services.
//
// Production code holds a Clock field set to Real(). Tests use Fake(),
// whose time only moves when Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	s := supervisor.New(supervisor.Options{Clock: c, ...})
//	c.WaitForTimers(1)          // debounce timer armed
//	c.Advance(750 * time.Millisecond)
//
// AfterFunc callbacks on the fake clock run synchronously inside
// Advance, in deadline order. Callbacks must hand work to another
// goroutine (typically a send on a buffered channel) rather than block.
package clock
