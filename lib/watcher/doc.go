// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package watcher reports source file changes under an application
// root using inotify, and computes a digest of the watched tree.
//
// Only "something changed" matters to consumers: paths are delivered
// on a buffered channel and a change is dropped when the channel is
// already full, since a pending event triggers the same reaction.
// Directories created after the watcher starts are watched as they
// appear. Linux only.
package watcher
