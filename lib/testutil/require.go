// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test.
//
//	frame := testutil.RequireReceive(t, peer.frames, 5*time.Second, "waiting for app:data")
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", formatMessage(msgAndArgs))
		}
		return value
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v: %s", timeout, formatMessage(msgAndArgs))
	}
	panic("unreachable")
}

// RequireNoReceive fails the test if ch yields a value within window.
// Use it sparingly: it always costs window of wall time.
func RequireNoReceive[T any](t TB, ch <-chan T, window time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case value, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value %v: %s", value, formatMessage(msgAndArgs))
		}
	case <-time.After(window): //nolint:realclock test hang prevention
	}
}

// RequireSend sends value on ch within timeout, or fails the test.
func RequireSend[T any](t TB, ch chan<- T, value T, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case ch <- value:
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v: %s", timeout, formatMessage(msgAndArgs))
	}
}

// RequireClosed waits for ch to be closed (or yield a value) within
// timeout, or fails the test.
//
//	testutil.RequireClosed(t, supervisor.Done(), 5*time.Second, "supervisor stopped")
func RequireClosed(t TB, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v waiting for close: %s", timeout, formatMessage(msgAndArgs))
	}
}

// Eventually polls condition until it reports true or timeout passes.
// For state owned by another goroutine that offers no notification
// channel.
func Eventually(t TB, timeout time.Duration, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout) //nolint:realclock test hang prevention
	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) { //nolint:realclock test hang prevention
			t.Fatalf("condition not met after %v: %s", timeout, formatMessage(msgAndArgs))
		}
		time.Sleep(5 * time.Millisecond) //nolint:realclock polling interval
	}
}

func formatMessage(msgAndArgs []any) string {
	switch {
	case len(msgAndArgs) == 0:
		return "(no message)"
	case len(msgAndArgs) == 1:
		if text, ok := msgAndArgs[0].(string); ok {
			return text
		}
		return fmt.Sprintf("%v", msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf("%v", msgAndArgs)
}
