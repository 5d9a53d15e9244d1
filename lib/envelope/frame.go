// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/json"
	"fmt"
)

// Frame is one websocket message between the relay and a device. Each
// frame travels as a single JSON text message.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// EncodeFrame renders an (event, data) pair as a JSON frame.
func EncodeFrame(event string, data any) ([]byte, error) {
	encoded, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", event, err)
	}
	return encoded, nil
}

// DecodeFrame parses a JSON frame. Data is left as decoded JSON
// (objects become map[string]any).
func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if frame.Event == "" {
		return Frame{}, fmt.Errorf("decoding frame: missing event name")
	}
	return frame, nil
}
