// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus is the subscription registry shared by the relay and
// the device: a map from event name to an ordered list of callbacks.
//
// Notify delivers to a snapshot of the list taken when delivery
// starts, so a callback may unsubscribe itself or others (or subscribe
// new callbacks) without disturbing the delivery in progress. Changes
// take effect from the next Notify.
package bus

import (
	"log/slog"
	"sync"
)

// Callback receives the data of one event.
type Callback func(data any)

type subscription struct {
	callback Callback
}

// Registry maps event names to subscribers. Safe for concurrent use;
// callbacks run on the goroutine that calls Notify.
type Registry struct {
	mu     sync.Mutex
	events map[string][]*subscription
	logger *slog.Logger
}

// NewRegistry returns an empty Registry. Panics raised by callbacks are
// logged to logger and do not stop delivery to later subscribers.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		events: make(map[string][]*subscription),
		logger: logger,
	}
}

// Subscribe appends callback to event's list and returns a function
// that removes it. The returned function is idempotent.
func (r *Registry) Subscribe(event string, callback Callback) (unsubscribe func()) {
	entry := &subscription{callback: callback}
	r.mu.Lock()
	r.events[event] = append(r.events[event], entry)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(event, entry) })
	}
}

func (r *Registry) remove(event string, entry *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.events[event]
	for i, candidate := range list {
		if candidate != entry {
			continue
		}
		// Build a new slice: in-flight Notify calls hold the old one.
		updated := make([]*subscription, 0, len(list)-1)
		updated = append(updated, list[:i]...)
		updated = append(updated, list[i+1:]...)
		if len(updated) == 0 {
			delete(r.events, event)
		} else {
			r.events[event] = updated
		}
		return
	}
}

// Notify calls every subscriber of event, in registration order, on
// the calling goroutine. Returns the number of callbacks invoked.
func (r *Registry) Notify(event string, data any) int {
	r.mu.Lock()
	snapshot := r.events[event]
	r.mu.Unlock()

	for _, entry := range snapshot {
		r.call(event, entry.callback, data)
	}
	return len(snapshot)
}

// Count returns the number of subscribers of event.
func (r *Registry) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[event])
}

func (r *Registry) call(event string, callback Callback, data any) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("subscriber panicked",
				"event", event,
				"panic", recovered,
			)
		}
	}()
	callback(data)
}
