// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package handler is the relay's dispatch table for envelopes emitted
// by the application process. [Table.Dispatch] classifies each envelope
// (see package envelope) and runs the matching handler against the
// table's [record.Record]. Responses go back to the application as
// app:data notifications; traffic for the device is published as
// client:request frames.
//
// A handler that panics drops its envelope: the panic is logged and
// counted, and the next envelope is dispatched normally.
//
// The table also answers the device's own client:request frames
// (getData, getManifest, getSettings) with client:response frames.
//
// All methods must be called on the relay's delivery goroutine. Timer
// callbacks (the delayed settings echo) hop back onto it through
// [Bus.Post].
package handler
