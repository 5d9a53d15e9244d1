// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/deskthing/devrelay/lib/supervisor"
)

// statusSource is the part of the supervisor /status reads.
type statusSource interface {
	Status() (supervisor.Status, error)
}

// peerCounter reports attached devices.
type peerCounter interface {
	PeerCount() int
}

type statusResponse struct {
	supervisor.Status
	Devices int `json:"devices"`
}

// statusHandler serves the supervisor snapshot as JSON. A stopped
// supervisor is reported with 503 so scripts can poll for readiness.
func statusHandler(source statusSource, peers peerCounter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status, err := source.Status()
		code := http.StatusOK
		if errors.Is(err, supervisor.ErrStopped) {
			code = http.StatusServiceUnavailable
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(statusResponse{Status: status, Devices: peers.PeerCount()})
	})
}
