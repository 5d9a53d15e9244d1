// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/deskthing/devrelay/lib/applog"
	"github.com/deskthing/devrelay/lib/bus"
	"github.com/deskthing/devrelay/lib/clock"
	"github.com/deskthing/devrelay/lib/envelope"
	"github.com/deskthing/devrelay/lib/metrics"
	"github.com/deskthing/devrelay/lib/record"
)

// Bus is the part of the relay bus the table uses.
type Bus interface {
	// Notify delivers to local subscribers on the calling goroutine.
	Notify(event string, data any) int

	// Publish sends a frame to attached devices.
	Publish(event string, data any)

	// Post runs f on the delivery goroutine.
	Post(f func())
}

// Opener opens a URL in the developer's browser.
type Opener interface {
	Open(url string) error
}

// DefaultSettingsDelay is how long a settings write waits before the
// merged settings are echoed back.
const DefaultSettingsDelay = time.Second

// placeholderInput is the value returned for input fields with no
// configured mock value.
const placeholderInput = "arbData"

// Config holds the table's collaborators and development knobs.
type Config struct {
	// AppID is the id of the supervised application, used when an
	// envelope does not name its app.
	AppID string

	// Manifest is returned verbatim to getManifest requests.
	Manifest any

	// MockSettings maps setting ids to values that replace whatever
	// the application submits for that id.
	MockSettings map[string]any

	// MockInput maps input field names to the values returned for
	// get/input requests.
	MockInput map[string]any

	// SettingsDelay defaults to DefaultSettingsDelay.
	SettingsDelay time.Duration

	Bus     Bus
	Opener  Opener
	Clock   clock.Clock
	Printer *applog.Printer
	Metrics *metrics.Relay
	Logger  *slog.Logger
}

// Table owns one application's record and dispatches envelopes
// against it.
type Table struct {
	config Config
	record *record.Record
	logger *slog.Logger

	// closed stops pending settings echoes from firing after Close.
	closed atomic.Bool
}

// New returns a Table with an empty record.
func New(config Config) *Table {
	if config.SettingsDelay <= 0 {
		config.SettingsDelay = DefaultSettingsDelay
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Table{
		config: config,
		record: record.New(),
		logger: config.Logger.With("app_id", config.AppID),
	}
}

// Attach subscribes the table to the events it serves and returns a
// function that removes the subscriptions.
func (t *Table) Attach(registry interface {
	Subscribe(event string, callback bus.Callback) func()
}) func() {
	unsubscribers := []func(){
		registry.Subscribe(envelope.EventServerData, func(data any) {
			message, ok := toEnvelope(data)
			if !ok {
				t.logger.Warn("dropping server:data with unexpected shape", "data_type", fmt.Sprintf("%T", data))
				return
			}
			t.Dispatch(message)
		}),
		registry.Subscribe(envelope.EventServerLog, func(data any) {
			t.config.Printer.Raw(t.config.AppID, fmt.Sprint(data))
		}),
		registry.Subscribe(envelope.EventClientRequest, func(data any) {
			message, ok := toEnvelope(data)
			if !ok {
				t.logger.Warn("dropping client:request with unexpected shape", "data_type", fmt.Sprintf("%T", data))
				return
			}
			t.AnswerClient(message)
		}),
	}
	return func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}
}

// Close cancels pending settings echoes.
func (t *Table) Close() {
	t.closed.Store(true)
}

// Record exposes the table's record for status reporting and tests.
func (t *Table) Record() *record.Record {
	return t.record
}

// toEnvelope accepts an Envelope or a decoded JSON object.
func toEnvelope(data any) (envelope.Envelope, bool) {
	switch value := data.(type) {
	case envelope.Envelope:
		return value, true
	case *envelope.Envelope:
		return *value, value != nil
	case map[string]any:
		return envelope.FromMap(value), true
	default:
		return envelope.Envelope{}, false
	}
}

// Dispatch runs the handler for message. It never panics.
func (t *Table) Dispatch(message envelope.Envelope) {
	app := message.App
	if app == "" {
		app = t.config.AppID
	}
	route := envelope.Classify(message)
	t.config.Metrics.EnvelopesHandled.WithLabelValues(routeName(route)).Inc()

	defer func() {
		if recovered := recover(); recovered != nil {
			t.config.Metrics.HandlerFailures.Inc()
			t.logger.Error("handler failed, envelope dropped",
				"envelope", message.String(),
				"panic", recovered,
			)
		}
	}()

	switch route := route.(type) {
	case envelope.Get:
		t.handleGet(app, route.Target, message)
	case envelope.Set:
		t.handleSet(route.Target, message)
	case envelope.Delete:
		t.handleDelete(app, route.Target, message)
	case envelope.Open:
		t.handleOpen(app, message)
	case envelope.Send:
		t.handleSend(app, message)
	case envelope.ToApp:
		t.logger.Info("cross-app message not routed", "target", message.Request, "payload", message.DescribePayload())
	case envelope.Log:
		if route.Level == envelope.LogUnhandled {
			t.unhandled(app, message)
			return
		}
		text, ok := message.PayloadString()
		if !ok {
			text = message.DescribePayload()
		}
		t.config.Printer.Line(app, route.Level, text)
	case envelope.Key:
		t.logger.Error("key mapping is not supported by the emulator", "op", message.Request, "payload", message.DescribePayload())
	case envelope.Action:
		t.logger.Error("actions are not supported by the emulator", "op", message.Request, "payload", message.DescribePayload())
	default:
		t.unhandled(app, message)
	}
}

func (t *Table) unhandled(app string, message envelope.Envelope) {
	t.logger.Warn("unhandled envelope",
		"app", app,
		"type", message.Type,
		"request", message.Request,
		"payload", message.DescribePayload(),
	)
}

func (t *Table) toApp(message envelope.Envelope) {
	t.config.Bus.Notify(envelope.EventAppData, message)
}

func (t *Table) handleGet(app string, target envelope.GetTarget, message envelope.Envelope) {
	switch target {
	case envelope.GetData:
		t.logger.Debug("returning data")
		t.toApp(envelope.Envelope{Type: envelope.TypeData, Payload: t.record.Data()})
	case envelope.GetSettings:
		t.logger.Debug("returning settings")
		t.toApp(envelope.Envelope{Type: envelope.TypeSettings, Payload: t.record.Settings()})
	case envelope.GetConfig:
		t.logger.Warn("config is deprecated and always empty", "app", app)
		t.toApp(envelope.Envelope{Type: envelope.TypeConfig, Payload: map[string]any{}})
	case envelope.GetInput:
		t.toApp(envelope.Envelope{Type: envelope.TypeInput, Payload: t.mockInput(message)})
	default:
		t.unhandled(app, message)
	}
}

// mockInput answers every requested field with its configured mock
// value or the placeholder.
func (t *Table) mockInput(message envelope.Envelope) map[string]any {
	var fields []string
	if object, ok := message.PayloadMap(); ok {
		for field := range object {
			fields = append(fields, field)
		}
	} else if keys, ok := message.PayloadKeys(); ok {
		fields = keys
	}
	answer := make(map[string]any, len(fields))
	for _, field := range fields {
		if value, ok := t.config.MockInput[field]; ok {
			answer[field] = value
		} else {
			answer[field] = placeholderInput
		}
	}
	return answer
}

func (t *Table) handleSet(target envelope.SetTarget, message envelope.Envelope) {
	payload, ok := message.PayloadMap()
	if !ok {
		if message.Payload != nil {
			t.logger.Warn("set payload is not an object", "payload", message.DescribePayload())
		}
		return
	}
	switch target {
	case envelope.SetData:
		t.record.MergeData(payload)
	case envelope.SetSettings:
		t.setSettings(payload)
	default:
		data := make(map[string]any, len(payload))
		for key, value := range payload {
			if key == envelope.TypeSettings {
				continue
			}
			data[key] = value
		}
		t.record.MergeData(data)
		if settings, ok := payload[envelope.TypeSettings].(map[string]any); ok {
			t.record.MergeSettings(settings)
		}
	}
}

// setSettings merges descriptors after applying mock overrides, then
// echoes the merged settings once the simulated delay passes.
func (t *Table) setSettings(descriptors map[string]any) {
	overridden := make(map[string]any, len(descriptors))
	for id, descriptor := range descriptors {
		overridden[id] = t.applyMock(id, descriptor)
	}
	t.record.MergeSettings(overridden)

	t.config.Clock.AfterFunc(t.config.SettingsDelay, func() {
		t.config.Bus.Post(t.echoSettings)
	})
}

// applyMock replaces a submitted setting with its mock value. For
// object descriptors only the "value" field is replaced.
func (t *Table) applyMock(id string, descriptor any) any {
	mock, ok := t.config.MockSettings[id]
	if !ok {
		return descriptor
	}
	object, ok := descriptor.(map[string]any)
	if !ok {
		return mock
	}
	replaced := maps.Clone(object)
	replaced["value"] = mock
	return replaced
}

func (t *Table) echoSettings() {
	if t.closed.Load() {
		return
	}
	settings := t.record.Settings()
	t.config.Bus.Publish(envelope.EventClientRequest, envelope.Envelope{
		Type:    envelope.TypeSettings,
		App:     envelope.ClientApp,
		Payload: settings,
	})
	t.toApp(envelope.Envelope{Type: envelope.TypeSettings, Payload: settings})
}

func (t *Table) handleDelete(app string, target envelope.DeleteTarget, message envelope.Envelope) {
	if target == envelope.DeleteUnhandled {
		t.unhandled(app, message)
		return
	}
	keys, ok := message.PayloadKeys()
	if !ok {
		t.logger.Warn("cannot delete: payload is not a string or list of strings",
			"target", string(target),
			"payload", message.DescribePayload(),
		)
		return
	}
	if target == envelope.DeleteData {
		t.record.DeleteData(keys...)
	} else {
		t.record.DeleteSettings(keys...)
	}
}

func (t *Table) handleOpen(app string, message envelope.Envelope) {
	url, ok := message.PayloadString()
	if !ok || url == "" {
		t.logger.Warn("open without a URL", "app", app, "payload", message.DescribePayload())
		return
	}
	opener := t.config.Opener
	logger := t.logger
	go func() {
		if err := opener.Open(url); err != nil {
			logger.Error("opening URL failed", "url", url, "error", err)
		}
	}()
}

// handleSend forwards the nested envelope in the payload to the device.
func (t *Table) handleSend(app string, message envelope.Envelope) {
	payload, ok := message.PayloadMap()
	if !ok {
		t.logger.Warn("send payload is not an object", "payload", message.DescribePayload())
		return
	}
	inner := envelope.FromMap(payload)
	if inner.App == "" {
		inner.App = app
	}
	if inner.Payload == nil {
		inner.Payload = ""
	}
	t.config.Bus.Publish(envelope.EventClientRequest, envelope.Envelope{
		App:     inner.App,
		Type:    inner.Type,
		Payload: inner.Payload,
		Request: inner.Request,
	})
}

// Device request types answered by AnswerClient.
const (
	requestGetData     = "getData"
	requestGetManifest = "getManifest"
	requestGetSettings = "getSettings"
)

// AnswerClient replies to a request the device sent to the relay.
func (t *Table) AnswerClient(request envelope.Envelope) {
	t.logger.Debug("device request", "type", request.Type)
	var response envelope.Envelope
	switch request.Type {
	case requestGetData:
		response = envelope.Envelope{Type: envelope.TypeData, Payload: t.record.Data()}
	case requestGetManifest:
		response = envelope.Envelope{Type: envelope.TypeManifest, Payload: t.config.Manifest}
	case requestGetSettings:
		response = envelope.Envelope{Type: envelope.TypeSettings, Payload: t.record.Settings()}
	case "":
		return
	default:
		response = envelope.Envelope{Type: request.Type, Payload: request.Payload}
	}
	t.config.Bus.Publish(envelope.EventClientResponse, response)
}

// routeName is the metrics label for a route.
func routeName(route envelope.Route) string {
	switch route := route.(type) {
	case envelope.Get:
		return envelope.TypeGet
	case envelope.Set:
		return envelope.TypeSet
	case envelope.Delete:
		return envelope.TypeDelete
	case envelope.Open:
		return envelope.TypeOpen
	case envelope.Send:
		return envelope.TypeSend
	case envelope.ToApp:
		return envelope.TypeToApp
	case envelope.Log:
		if route.Level == envelope.LogUnhandled {
			return "unhandled"
		}
		return envelope.TypeLog
	case envelope.Key:
		return envelope.TypeKey
	case envelope.Action:
		return envelope.TypeAction
	default:
		return "unhandled"
	}
}
