// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor keeps the application process running and current
// while its sources change.
//
// A Supervisor owns at most one child process. All of its state lives
// on a single loop goroutine; file changes, child exits, timer expiry,
// status queries, downward envelopes, and Stop are events on that
// loop. Timers are identified by sequence numbers so a timer that
// fires after being replaced is ignored.
//
// State transitions:
//
//	Stopped --Start--> Starting --spawned--> Running
//	Running --change--> RestartPending --debounce--> Restarting
//	Restarting --child exited (or killed after grace)--> Starting
//	Running --unexpected exit--> Errored --backoff--> Starting
//	any --Stop--> Stopped
//
// Unexpected exits and spawn failures are retried with exponential
// backoff. After MaxRespawns consecutive failures the supervisor stays
// Errored until the next source change.
package supervisor
