// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package router decides, on the emulated device, what happens to each
// envelope: consumed locally, forwarded to the embedded UI, or
// forwarded to the application through the relay.
//
// Two sources feed the router: the relay transport (client:request and
// client:response frames) and the embedded UI. Both enqueue onto one
// queue drained by Run, so envelopes are processed strictly in arrival
// order and the router's state needs no locking.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/deskthing/devrelay/lib/applog"
	"github.com/deskthing/devrelay/lib/bus"
	"github.com/deskthing/devrelay/lib/clock"
	"github.com/deskthing/devrelay/lib/envelope"
	"github.com/deskthing/devrelay/lib/metrics"
)

// Transport publishes frames to the relay.
type Transport interface {
	Publish(event string, data any)
}

// UI delivers envelopes to the embedded application UI.
type UI interface {
	Send(message envelope.Envelope)
}

// queueSize bounds pending envelopes before sources block.
const queueSize = 1024

// Requests the device sends to the relay for its own state.
const (
	requestGetManifest = "getManifest"
	requestGetSettings = "getSettings"
)

// Config configures a Router.
type Config struct {
	// ClientID identifies this device session on every envelope it
	// forwards to the application.
	ClientID string

	Transport Transport
	UI        UI
	Printer   *applog.Printer
	Clock     clock.Clock
	Metrics   *metrics.Device
	Logger    *slog.Logger
}

// Router holds the emulated device's state.
type Router struct {
	config Config
	logger *slog.Logger
	queue  chan func()
	done   chan struct{}

	// State below is owned by the Run goroutine.
	song       map[string]any
	apps       []any
	settings   any
	manifest   map[string]any
	timeOffset time.Duration

	// pending records UI get requests waiting for a relay response.
	pending map[string]bool

	// held are sends to the application waiting for the manifest,
	// in arrival order.
	held []func()
}

// New returns a Router with the sample song and app list.
func New(config Config) *Router {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Router{
		config:  config,
		logger:  config.Logger.With("client_id", config.ClientID),
		queue:   make(chan func(), queueSize),
		done:    make(chan struct{}),
		song:    SampleSong(),
		apps:    SampleApps(),
		pending: make(map[string]bool),
	}
}

// Attach subscribes the router to relay frames and asks the relay for
// the manifest and settings. The requests queue in the transport until
// it connects.
func (r *Router) Attach(transport interface {
	Subscribe(event string, callback bus.Callback) func()
}) func() {
	unsubscribeRequest := transport.Subscribe(envelope.EventClientRequest, r.FromTransport)
	unsubscribeResponse := transport.Subscribe(envelope.EventClientResponse, r.FromRelayResponse)
	r.config.Transport.Publish(envelope.EventClientRequest, envelope.Envelope{Type: requestGetManifest})
	r.config.Transport.Publish(envelope.EventClientRequest, envelope.Envelope{Type: requestGetSettings})
	return func() {
		unsubscribeRequest()
		unsubscribeResponse()
	}
}

// Run processes queued envelopes until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case next := <-r.queue:
			r.run(next)
		}
	}
}

func (r *Router) run(f func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("routing panicked, envelope dropped", "panic", recovered)
		}
	}()
	f()
}

func (r *Router) enqueue(f func()) {
	select {
	case r.queue <- f:
	case <-r.done:
	}
}

// FromTransport accepts a client:request frame from the relay.
func (r *Router) FromTransport(data any) {
	message, ok := toEnvelope(data)
	if !ok {
		r.logger.Warn("dropping relay frame with unexpected shape", "data_type", fmt.Sprintf("%T", data))
		return
	}
	r.enqueue(func() { r.routeTransport(message) })
}

// FromRelayResponse accepts a client:response frame from the relay.
func (r *Router) FromRelayResponse(data any) {
	message, ok := toEnvelope(data)
	if !ok {
		r.logger.Warn("dropping relay response with unexpected shape", "data_type", fmt.Sprintf("%T", data))
		return
	}
	r.enqueue(func() { r.routeResponse(message) })
}

// FromUI accepts an envelope posted by the embedded UI.
func (r *Router) FromUI(message envelope.Envelope) {
	r.enqueue(func() { r.routeUI(message) })
}

// UIConnected reports that an embedded UI attached.
func (r *Router) UIConnected() {
	r.enqueue(func() { r.clientStatus(true, "connected", "opened") })
}

// UIDisconnected reports that the embedded UI went away.
func (r *Router) UIDisconnected() {
	r.enqueue(func() { r.clientStatus(false, "disconnected", "closed") })
}

func toEnvelope(data any) (envelope.Envelope, bool) {
	switch value := data.(type) {
	case envelope.Envelope:
		return value, true
	case map[string]any:
		return envelope.FromMap(value), true
	default:
		return envelope.Envelope{}, false
	}
}

// routeTransport applies device-addressed side effects, then forwards
// the envelope to the UI unconditionally.
func (r *Router) routeTransport(message envelope.Envelope) {
	if message.App == envelope.ClientApp {
		switch message.Type {
		case envelope.TypeMusic, envelope.TypeSong:
			if song, ok := message.PayloadMap(); ok {
				maps.Copy(r.song, song)
			}
		case envelope.TypeSettings:
			r.settings = message.Payload
		case envelope.TypeTime:
			r.setTime(message)
		}
	}
	r.count("transport", "forward_ui")
	r.config.UI.Send(message)
}

func (r *Router) setTime(message envelope.Envelope) {
	payload, ok := message.PayloadMap()
	if !ok {
		return
	}
	utc, ok := payload["utcTime"].(float64)
	if !ok {
		return
	}
	r.timeOffset = time.UnixMilli(int64(utc)).Sub(r.config.Clock.Now())
}

// routeResponse caches relay state and answers UI requests waiting on
// it.
func (r *Router) routeResponse(message envelope.Envelope) {
	switch message.Type {
	case envelope.TypeManifest:
		manifest, ok := message.PayloadMap()
		if !ok {
			r.logger.Warn("relay manifest is not an object", "payload", message.DescribePayload())
			manifest = map[string]any{}
		}
		r.manifest = manifest
		r.releaseHeld()
	case envelope.TypeSettings:
		r.settings = message.Payload
	default:
		r.logger.Debug("relay response", "type", message.Type)
	}
	if r.pending[message.Type] {
		delete(r.pending, message.Type)
		r.toUI(message.Type, message.Payload)
	}
}

func (r *Router) routeUI(message envelope.Envelope) {
	if message.App != envelope.ClientApp {
		r.count("ui", "forward_app")
		r.toApp(message)
		return
	}
	switch message.Type {
	case envelope.TypeGet:
		r.answerGet(message)
	case envelope.TypeLog:
		r.count("ui", "log")
		r.log(message)
	case envelope.TypeKey, envelope.TypeAction:
		r.count("ui", "forward_app")
		message.App = ""
		r.toApp(message)
	default:
		r.count("ui", "unsupported")
		r.logger.Debug("unsupported device request", "type", message.Type, "request", message.Request)
	}
}

// answerGet serves the UI's reads of device state.
func (r *Router) answerGet(message envelope.Envelope) {
	r.count("ui", "local")
	switch message.Request {
	case envelope.TypeMusic, envelope.TypeSong:
		r.toApp(envelope.Envelope{Type: envelope.TypeGet, Request: envelope.TypeSong})
		r.toUI(envelope.TypeMusic, maps.Clone(r.song))
	case envelope.TypeSettings:
		if r.settings != nil {
			r.toUI(envelope.TypeSettings, r.settings)
			return
		}
		r.request(envelope.TypeSettings, requestGetSettings)
	case envelope.TypeApps:
		r.toUI(envelope.TypeApps, r.apps)
	case envelope.TypeManifest:
		if r.manifest != nil {
			r.toUI(envelope.TypeManifest, r.manifest)
			return
		}
		r.request(envelope.TypeManifest, requestGetManifest)
	default:
		r.logger.Debug("unknown device get", "request", message.Request)
	}
}

// request asks the relay for state the UI is waiting on.
func (r *Router) request(responseType, requestType string) {
	r.pending[responseType] = true
	r.config.Transport.Publish(envelope.EventClientRequest, envelope.Envelope{Type: requestType})
}

func (r *Router) toUI(kind string, payload any) {
	r.config.UI.Send(envelope.Envelope{Type: kind, App: envelope.ClientApp, Payload: payload})
}

// toApp stamps the application id and session id and publishes to the
// relay.
func (r *Router) toApp(message envelope.Envelope) {
	r.afterManifest(message.App == "", func() {
		if message.App == "" {
			message.App = r.appID()
		}
		message.ClientID = r.config.ClientID
		message.Source = ""
		r.config.Transport.Publish(envelope.EventAppData, message)
	})
}

// afterManifest runs f now, or holds it until the manifest arrives when
// f needs the application id or earlier sends are already held.
func (r *Router) afterManifest(needsID bool, f func()) {
	if r.manifest != nil || (!needsID && len(r.held) == 0) {
		f()
		return
	}
	if len(r.held) == 0 {
		r.config.Transport.Publish(envelope.EventClientRequest, envelope.Envelope{Type: requestGetManifest})
	}
	r.held = append(r.held, f)
}

func (r *Router) releaseHeld() {
	held := r.held
	r.held = nil
	if len(held) > 0 {
		r.logger.Debug("manifest arrived, releasing held envelopes", "count", len(held))
	}
	for _, f := range held {
		f()
	}
}

func (r *Router) appID() string {
	if id, ok := r.manifest["id"].(string); ok && id != "" {
		return id
	}
	return envelope.UnknownApp
}

// log renders a UI log envelope: payload {message, data}.
func (r *Router) log(message envelope.Envelope) {
	level := envelope.ParseLogLevel(message.Request)
	payload, ok := message.PayloadMap()
	if !ok {
		r.config.Printer.Line(envelope.ClientApp, level, message.DescribePayload())
		return
	}
	text := fmt.Sprint(payload["message"])
	if extra, ok := payload["data"].([]any); ok && len(extra) > 0 {
		parts := make([]string, 0, len(extra)+1)
		parts = append(parts, text)
		for _, value := range extra {
			parts = append(parts, fmt.Sprint(value))
		}
		text = strings.Join(parts, " ")
	}
	r.config.Printer.Line(envelope.ClientApp, level, text)
}

// clientStatus tells the application the UI's connection changed.
func (r *Router) clientStatus(connected bool, requests ...string) {
	now := r.config.Clock.Now()
	r.afterManifest(true, func() { r.sendClientStatus(now, connected, requests) })
}

func (r *Router) sendClientStatus(now time.Time, connected bool, requests []string) {
	currentApp := ""
	if connected {
		currentApp = r.appID()
	}
	for _, request := range requests {
		r.toApp(envelope.Envelope{
			Type:    envelope.TypeClientStatus,
			Request: request,
			Payload: map[string]any{
				"id":           "deskthing-client",
				"connectionId": r.config.ClientID,
				"connected":    connected,
				"timestamp":    now.UnixMilli(),
				"currentApp":   currentApp,
			},
		})
	}
}

func (r *Router) count(source, decision string) {
	r.config.Metrics.Routed.WithLabelValues(source, decision).Inc()
}

// Snapshot is a point-in-time copy of the device state.
type Snapshot struct {
	Song       map[string]any `json:"song"`
	Settings   any            `json:"settings"`
	Manifest   map[string]any `json:"manifest"`
	TimeOffset time.Duration  `json:"time_offset_ns"`
}

// Snapshot returns the device state, read on the Run goroutine.
func (r *Router) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	r.enqueue(func() {
		reply <- Snapshot{
			Song:       maps.Clone(r.song),
			Settings:   r.settings,
			Manifest:   maps.Clone(r.manifest),
			TimeOffset: r.timeOffset,
		}
	})
	select {
	case snapshot := <-reply:
		return snapshot, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-r.done:
		return Snapshot{}, fmt.Errorf("router stopped")
	}
}
