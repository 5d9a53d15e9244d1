// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/deskthing/devrelay/lib/codec"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		envelope Envelope
		want     Route
	}{
		{"get settings", Envelope{Type: "get", Request: "settings"}, Get{Target: GetSettings}},
		{"get data", Envelope{Type: "get", Request: "data"}, Get{Target: GetData}},
		{"get unknown request", Envelope{Type: "get", Request: "weather"}, Get{Target: GetUnhandled}},
		{"set without request", Envelope{Type: "set"}, Set{Target: SetMixed}},
		{"set unknown request", Envelope{Type: "set", Request: "other"}, Set{Target: SetMixed}},
		{"set settings", Envelope{Type: "set", Request: "settings"}, Set{Target: SetSettings}},
		{"delete data", Envelope{Type: "delete", Request: "data"}, Delete{Target: DeleteData}},
		{"delete unknown", Envelope{Type: "delete", Request: "cache"}, Delete{Target: DeleteUnhandled}},
		{"open", Envelope{Type: "open"}, Open{}},
		{"send", Envelope{Type: "send"}, Send{}},
		{"toApp", Envelope{Type: "toApp", Request: "spotify"}, ToApp{}},
		{"log error", Envelope{Type: "log", Request: "error"}, Log{Level: LogError}},
		{"log unknown level", Envelope{Type: "log", Request: "shout"}, Log{Level: LogUnhandled}},
		{"key trigger", Envelope{Type: "key", Request: "trigger"}, Key{Op: KeyTrigger}},
		{"key unknown", Envelope{Type: "key", Request: "hold"}, Key{Op: KeyUnhandled}},
		{"action run", Envelope{Type: "action", Request: "run"}, Action{Op: ActionRun}},
		{"action unknown", Envelope{Type: "action"}, Action{Op: ActionUnhandled}},
		{"unknown type", Envelope{Type: "step", Request: "add"}, Unhandled{}},
		{"empty", Envelope{}, Unhandled{}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.envelope); got != test.want {
				t.Errorf("Classify(%v) = %#v, want %#v", test.envelope, got, test.want)
			}
		})
	}
}

func TestPayloadKeys(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    []string
		ok      bool
	}{
		{"single string", "a", []string{"a"}, true},
		{"string list", []any{"a", "b"}, []string{"a", "b"}, true},
		{"typed list", []string{"c"}, []string{"c"}, true},
		{"mixed list", []any{"a", 2}, nil, false},
		{"number", 42, nil, false},
		{"object", map[string]any{"a": true}, nil, false},
		{"nil", nil, nil, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, ok := Envelope{Payload: test.payload}.PayloadKeys()
			if ok != test.ok {
				t.Fatalf("ok = %v, want %v", ok, test.ok)
			}
			if strings.Join(got, ",") != strings.Join(test.want, ",") {
				t.Errorf("keys = %v, want %v", got, test.want)
			}
		})
	}
}

func TestDescribePayloadSummarizesLargePayloads(t *testing.T) {
	small := Envelope{Payload: map[string]any{"a": 1}}
	if got := small.DescribePayload(); got != `{"a":1}` {
		t.Errorf("small payload described as %q", got)
	}
	large := Envelope{Payload: strings.Repeat("x", 2000)}
	if got := large.DescribePayload(); got != "[Large Payload]" {
		t.Errorf("large payload described as %q", got)
	}
	if got := (Envelope{}).DescribePayload(); got != "undefined" {
		t.Errorf("nil payload described as %q", got)
	}
}

func TestEnvelopeWireNames(t *testing.T) {
	data, err := json.Marshal(Envelope{Type: "get", Request: "settings", App: "weather", ClientID: "c1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"type":"get","request":"settings","app":"weather","clientId":"c1"}`
	if string(data) != want {
		t.Errorf("JSON = %s, want %s", data, want)
	}
}

// The child IPC channel carries envelopes as CBOR. Nested payload
// objects must come back as map[string]any so handlers can merge them.
func TestEnvelopeCBORPayloadShape(t *testing.T) {
	original := Envelope{
		Type:    "set",
		Request: "data",
		Payload: map[string]any{"volume": map[string]any{"value": 50}},
	}
	data, err := codec.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Envelope
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	payload, ok := decoded.PayloadMap()
	if !ok {
		t.Fatalf("payload decoded as %T", decoded.Payload)
	}
	volume, ok := payload["volume"].(map[string]any)
	if !ok {
		t.Fatalf("nested payload decoded as %T", payload["volume"])
	}
	if volume["value"] != int64(50) {
		t.Errorf("value = %#v, want int64(50)", volume["value"])
	}
}
