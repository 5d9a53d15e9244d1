// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/json"
	"fmt"
)

// Bus event names. The same names are used for local subscriptions and
// for websocket frames.
const (
	// EventAppData carries envelopes destined for the application
	// process: handler responses, device traffic for the app, and
	// periodic refresh requests.
	EventAppData = "app:data"

	// EventServerData carries envelopes emitted by the application
	// process, delivered to the handler table.
	EventServerData = "server:data"

	// EventServerLog carries plain log lines from the application
	// process.
	EventServerLog = "server:log"

	// EventClientRequest carries envelopes pushed to the device, and
	// device-originated requests for relay state.
	EventClientRequest = "client:request"

	// EventClientResponse carries relay answers to device requests.
	EventClientResponse = "client:response"
)

// ClientApp is the app value addressing the emulated device itself
// rather than an application.
const ClientApp = "client"

// SourceMarker is stamped on every envelope the device delivers to the
// embedded UI so the UI can tell platform traffic from its own.
const SourceMarker = "deskthing"

// UnknownApp is the app id used when neither the envelope nor the
// manifest names one.
const UnknownApp = "unknownId"

// Envelope is one structured message. Payload is opaque to the
// transport; its shape depends on (Type, Request).
type Envelope struct {
	Type     string `json:"type"`
	Request  string `json:"request,omitempty"`
	Payload  any    `json:"payload,omitempty"`
	App      string `json:"app,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	Source   string `json:"source,omitempty"`
}

// String renders the envelope header for log attributes. Payloads are
// left out; use Describe for those.
func (e Envelope) String() string {
	if e.Request == "" {
		return fmt.Sprintf("%s (app %q)", e.Type, e.App)
	}
	return fmt.Sprintf("%s/%s (app %q)", e.Type, e.Request, e.App)
}

// maxDescribedPayload bounds the payload text included in log lines.
const maxDescribedPayload = 1000

// DescribePayload renders the payload as JSON for diagnostics.
// Payloads over 1000 bytes are summarized as "[Large Payload]".
func (e Envelope) DescribePayload() string {
	if e.Payload == nil {
		return "undefined"
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Sprintf("%v", e.Payload)
	}
	if len(data) > maxDescribedPayload {
		return "[Large Payload]"
	}
	return string(data)
}

// PayloadMap returns the payload as a JSON object.
func (e Envelope) PayloadMap() (map[string]any, bool) {
	object, ok := e.Payload.(map[string]any)
	return object, ok
}

// PayloadKeys interprets the payload as a key list: a single string or
// a list whose every element is a string. Any other shape reports
// false.
func (e Envelope) PayloadKeys() ([]string, bool) {
	switch payload := e.Payload.(type) {
	case string:
		return []string{payload}, true
	case []string:
		return payload, true
	case []any:
		keys := make([]string, 0, len(payload))
		for _, element := range payload {
			key, ok := element.(string)
			if !ok {
				return nil, false
			}
			keys = append(keys, key)
		}
		return keys, true
	default:
		return nil, false
	}
}

// PayloadString returns the payload if it is a string.
func (e Envelope) PayloadString() (string, bool) {
	text, ok := e.Payload.(string)
	return text, ok
}

// FromMap builds an Envelope from a decoded JSON object, as found
// nested inside a send payload. Missing fields are left empty.
func FromMap(object map[string]any) Envelope {
	text := func(key string) string {
		value, _ := object[key].(string)
		return value
	}
	return Envelope{
		Type:     text("type"),
		Request:  text("request"),
		Payload:  object["payload"],
		App:      text("app"),
		ClientID: text("clientId"),
		Source:   text("source"),
	}
}
