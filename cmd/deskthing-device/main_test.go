// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deskthing/devrelay/lib/router"
)

type fixedSnapshot struct {
	snapshot router.Snapshot
	err      error
}

func (f fixedSnapshot) Snapshot(context.Context) (router.Snapshot, error) {
	return f.snapshot, f.err
}

func TestStateServesSnapshot(t *testing.T) {
	source := fixedSnapshot{snapshot: router.Snapshot{
		Song:       map[string]any{"track_name": "Holocene"},
		Manifest:   map[string]any{"id": "weather"},
		TimeOffset: 90 * time.Second,
	}}
	recorder := httptest.NewRecorder()
	stateHandler(source).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/state", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("code = %d", recorder.Code)
	}
	var body struct {
		Song       map[string]any `json:"song"`
		Manifest   map[string]any `json:"manifest"`
		TimeOffset int64          `json:"time_offset_ns"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding %s: %v", recorder.Body, err)
	}
	if body.Song["track_name"] != "Holocene" || body.Manifest["id"] != "weather" {
		t.Errorf("body = %+v", body)
	}
	if body.TimeOffset != int64(90*time.Second) {
		t.Errorf("time offset = %d", body.TimeOffset)
	}
}

func TestStateWhenRouterStopped(t *testing.T) {
	recorder := httptest.NewRecorder()
	stateHandler(fixedSnapshot{err: errors.New("router stopped")}).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/state", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", recorder.Code)
	}
}
