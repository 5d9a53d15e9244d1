// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout safety valve so tests driven by a fake clock
// still fail instead of hanging when a goroutine never reports back.
// They are the only place tests touch the wall clock.
//
// [WriteTree] lays out a directory of files for watcher, manifest, and
// config tests.
//
// [UniqueID] generates monotonically increasing identifiers for app ids
// and client ids that must not collide across parallel tests.
//
// All helpers call t.Fatalf on failure.
package testutil
