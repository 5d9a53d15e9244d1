// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deskthing/devrelay/lib/supervisor"
)

type fixedStatus struct {
	status supervisor.Status
	err    error
}

func (f fixedStatus) Status() (supervisor.Status, error) { return f.status, f.err }

type fixedPeers int

func (p fixedPeers) PeerCount() int { return int(p) }

func TestStatusReportsSupervisor(t *testing.T) {
	source := fixedStatus{status: supervisor.Status{
		AppID:    "weather",
		State:    supervisor.Running,
		PID:      4242,
		Restarts: 3,
	}}
	recorder := httptest.NewRecorder()
	statusHandler(source, fixedPeers(2)).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/status", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("code = %d", recorder.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding %s: %v", recorder.Body, err)
	}
	if body["app_id"] != "weather" || body["state"] != "running" || body["pid"] != float64(4242) {
		t.Errorf("body = %v", body)
	}
	if body["restarts"] != float64(3) || body["devices"] != float64(2) {
		t.Errorf("counters = %v", body)
	}
}

func TestStatusAfterStop(t *testing.T) {
	source := fixedStatus{
		status: supervisor.Status{AppID: "weather", State: supervisor.Stopped},
		err:    supervisor.ErrStopped,
	}
	recorder := httptest.NewRecorder()
	statusHandler(source, fixedPeers(0)).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/status", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", recorder.Code)
	}
}

func TestStatusRejectsWrites(t *testing.T) {
	recorder := httptest.NewRecorder()
	statusHandler(fixedStatus{}, fixedPeers(0)).ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/status", nil))
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Errorf("code = %d, want 405", recorder.Code)
	}
}
