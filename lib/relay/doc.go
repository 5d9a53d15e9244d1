// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay is the server side of the message bus: a local
// subscription registry plus a websocket endpoint that devices attach
// to.
//
// Publish sends a frame to every attached device and drops it (with a
// debug log) when none is attached. Notify fans out to local
// subscribers on the calling goroutine. Deliver and Post enqueue work
// for the single delivery goroutine started by Run; websocket readers,
// the application channel reader, and timers use them so that every
// subscriber callback, and therefore every handler, runs on one
// goroutine in arrival order.
//
// Each attached device gets a writer goroutine fed by a buffered
// channel. A device that falls a full buffer behind is disconnected
// rather than allowed to stall Publish.
package relay
