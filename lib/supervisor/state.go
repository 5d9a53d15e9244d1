// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// State is the supervisor lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	RestartPending
	Restarting
	Errored
)

var stateNames = [...]string{
	Stopped:        "stopped",
	Starting:       "starting",
	Running:        "running",
	RestartPending: "restart_pending",
	Restarting:     "restarting",
	Errored:        "errored",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrStopped is returned by calls made after the supervisor stopped.
var ErrStopped = errors.New("supervisor: stopped")

// ExitStatus describes how a child ended.
type ExitStatus struct {
	// Code is the exit code, or -1 when the child was signalled.
	Code int `json:"code"`

	// Signal names the terminating signal, if any.
	Signal string `json:"signal,omitempty"`
}

func (e ExitStatus) String() string {
	if e.Signal != "" {
		return "signal " + e.Signal
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Status is a snapshot of the supervisor, served by /status.
type Status struct {
	AppID               string      `json:"app_id"`
	State               State       `json:"state"`
	PID                 int         `json:"pid,omitempty"`
	StartedAt           time.Time   `json:"started_at,omitzero"`
	Restarts            int         `json:"restarts"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastExit            *ExitStatus `json:"last_exit,omitempty"`
	SourceDigest        string      `json:"source_digest,omitempty"`
}
