// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration for the supervisor ↔
// application process channel.
//
// The relay uses two serialization formats:
//
//   - JSON for everything a browser or a developer's UI touches: the
//     relay ↔ device websocket, the device ↔ embedded UI websocket,
//     configuration files, and /status output.
//   - CBOR for the private IPC stream between the supervisor and the
//     application process it spawns (fd 3, see lib/appchannel).
//
// CBOR is self-delimiting, so the IPC stream needs no extra framing:
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Envelope types carry `json` tags only. fxamacker/cbor falls back to
// json tags when cbor tags are absent, so one set of names serves both
// formats.
package codec
