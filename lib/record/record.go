// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package record holds the in-memory state of the application under
// development: its arbitrary data and its settings. A Record lives for
// one relay run and is never persisted.
//
// A Record is not safe for concurrent use. The handler table that owns
// it runs on the relay's delivery goroutine.
package record

import "maps"

// Record is the data and settings of one application.
type Record struct {
	data     map[string]any
	settings map[string]any
}

// New returns an empty Record.
func New() *Record {
	return &Record{
		data:     make(map[string]any),
		settings: make(map[string]any),
	}
}

// MergeData shallow-merges values into data. Existing keys are
// replaced.
func (r *Record) MergeData(values map[string]any) {
	maps.Copy(r.data, values)
}

// MergeSettings shallow-merges descriptors into settings, keyed by
// setting id.
func (r *Record) MergeSettings(descriptors map[string]any) {
	maps.Copy(r.settings, descriptors)
}

// DeleteData removes keys from data. Missing keys are ignored.
func (r *Record) DeleteData(keys ...string) {
	for _, key := range keys {
		delete(r.data, key)
	}
}

// DeleteSettings removes setting ids from settings. Missing ids are
// ignored.
func (r *Record) DeleteSettings(ids ...string) {
	for _, id := range ids {
		delete(r.settings, id)
	}
}

// Data returns a shallow copy of data, safe to hand to another
// goroutine for encoding.
func (r *Record) Data() map[string]any {
	return maps.Clone(r.data)
}

// Settings returns a shallow copy of settings.
func (r *Record) Settings() map[string]any {
	return maps.Clone(r.settings)
}
