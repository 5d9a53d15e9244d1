// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope defines the message unit exchanged between the
// application process, the relay, the emulated device, and the
// developer's embedded UI, together with the closed vocabulary of
// (type, request) pairs the relay understands.
//
// Classify turns an Envelope into a Route: one variant per type, each
// carrying its own request enum. Every enum has an explicit unhandled
// value, and anything outside the vocabulary classifies as Unhandled, so
// callers resolve every envelope with an exhaustive type switch and a
// default arm rather than rejecting it.
//
// Bus event names (app:data, server:data, ...) also live here because
// both the relay and the device speak them.
package envelope
