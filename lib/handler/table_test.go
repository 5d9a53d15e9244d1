// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"maps"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/deskthing/devrelay/lib/applog"
	"github.com/deskthing/devrelay/lib/bus"
	"github.com/deskthing/devrelay/lib/clock"
	"github.com/deskthing/devrelay/lib/envelope"
	"github.com/deskthing/devrelay/lib/metrics"
	"github.com/deskthing/devrelay/lib/testutil"
)

type frame struct {
	event string
	data  envelope.Envelope
}

// recordingBus captures notifications and publications. Post runs f
// inline: tests drive the table from a single goroutine.
type recordingBus struct {
	notified  []frame
	published []frame
}

func (b *recordingBus) Notify(event string, data any) int {
	b.notified = append(b.notified, frame{event, data.(envelope.Envelope)})
	return 1
}

func (b *recordingBus) Publish(event string, data any) {
	b.published = append(b.published, frame{event, data.(envelope.Envelope)})
}

func (b *recordingBus) Post(f func()) { f() }

type channelOpener struct {
	urls chan string
	err  error
}

func (o channelOpener) Open(url string) error {
	o.urls <- url
	return o.err
}

type fixture struct {
	table   *Table
	bus     *recordingBus
	clock   *clock.FakeClock
	opener  channelOpener
	metrics *metrics.Relay
	printed *bytes.Buffer
}

func newFixture(t *testing.T, configure func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		bus:     &recordingBus{},
		clock:   clock.Fake(time.Unix(1_700_000_000, 0)),
		opener:  channelOpener{urls: make(chan string, 4)},
		metrics: metrics.NewRelay(prometheus.NewRegistry()),
		printed: &bytes.Buffer{},
	}
	config := Config{
		AppID:    "weather",
		Manifest: map[string]any{"id": "weather"},
		Bus:      f.bus,
		Opener:   f.opener,
		Clock:    f.clock,
		Printer:  applog.New(f.printed, applog.Options{Color: applog.ColorNever}),
		Metrics:  f.metrics,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if configure != nil {
		configure(&config)
	}
	f.table = New(config)
	return f
}

func (f *fixture) lastNotified(t *testing.T) envelope.Envelope {
	t.Helper()
	if len(f.bus.notified) == 0 {
		t.Fatal("nothing was notified")
	}
	last := f.bus.notified[len(f.bus.notified)-1]
	if last.event != envelope.EventAppData {
		t.Fatalf("notified event %q, want app:data", last.event)
	}
	return last.data
}

func TestGetSettingsReturnsStoredSettings(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Record().MergeSettings(map[string]any{"theme": "dark"})

	f.table.Dispatch(envelope.Envelope{Type: "get", Request: "settings"})

	response := f.lastNotified(t)
	if response.Type != "settings" {
		t.Errorf("response type = %q, want settings", response.Type)
	}
	payload := response.Payload.(map[string]any)
	if !maps.Equal(payload, map[string]any{"theme": "dark"}) {
		t.Errorf("payload = %v", payload)
	}
}

func TestGetDataAndConfig(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Record().MergeData(map[string]any{"city": "Oslo"})

	f.table.Dispatch(envelope.Envelope{Type: "get", Request: "data"})
	if response := f.lastNotified(t); response.Type != "data" || response.Payload.(map[string]any)["city"] != "Oslo" {
		t.Errorf("get data response = %+v", response)
	}

	f.table.Dispatch(envelope.Envelope{Type: "get", Request: "config"})
	response := f.lastNotified(t)
	if response.Type != "config" || len(response.Payload.(map[string]any)) != 0 {
		t.Errorf("get config response = %+v, want empty config", response)
	}
}

func TestGetInputUsesMockValuesThenPlaceholder(t *testing.T) {
	f := newFixture(t, func(config *Config) {
		config.MockInput = map[string]any{"apiKey": "test-key"}
	})
	f.table.Dispatch(envelope.Envelope{
		Type:    "get",
		Request: "input",
		Payload: map[string]any{"apiKey": "API key", "city": "City"},
	})

	payload := f.lastNotified(t).Payload.(map[string]any)
	want := map[string]any{"apiKey": "test-key", "city": "arbData"}
	if !maps.Equal(payload, want) {
		t.Errorf("input payload = %v, want %v", payload, want)
	}
}

func TestDeleteDataRemovesListedKeys(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Record().MergeData(map[string]any{"a": 1, "b": 2, "c": 3})

	f.table.Dispatch(envelope.Envelope{Type: "delete", Request: "data", Payload: []any{"a", "b"}})

	if got := f.table.Record().Data(); !maps.Equal(got, map[string]any{"c": 3}) {
		t.Errorf("data = %v, want {c:3}", got)
	}
}

func TestDeleteSettingsRemovesFromSettingsOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Record().MergeData(map[string]any{"units": "metric"})
	f.table.Record().MergeSettings(map[string]any{"units": map[string]any{"value": "c"}, "theme": "dark"})

	f.table.Dispatch(envelope.Envelope{Type: "delete", Request: "settings", Payload: "units"})

	if got := f.table.Record().Settings(); len(got) != 1 || got["theme"] != "dark" {
		t.Errorf("settings = %v, want only theme", got)
	}
	if got := f.table.Record().Data(); got["units"] != "metric" {
		t.Errorf("data changed by settings delete: %v", got)
	}
}

func TestDeleteWithBadPayloadIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Record().MergeData(map[string]any{"a": 1})

	f.table.Dispatch(envelope.Envelope{Type: "delete", Request: "data", Payload: 42})
	f.table.Dispatch(envelope.Envelope{Type: "delete", Request: "data"})

	if got := f.table.Record().Data(); !maps.Equal(got, map[string]any{"a": 1}) {
		t.Errorf("data = %v, want unchanged", got)
	}
}

func TestSetWithoutRequestSplitsSettingsFromData(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Dispatch(envelope.Envelope{
		Type: "set",
		Payload: map[string]any{
			"city":     "Oslo",
			"settings": map[string]any{"theme": "dark"},
		},
	})

	if got := f.table.Record().Data(); !maps.Equal(got, map[string]any{"city": "Oslo"}) {
		t.Errorf("data = %v", got)
	}
	if got := f.table.Record().Settings(); got["theme"] != "dark" {
		t.Errorf("settings = %v", got)
	}
}

func TestSetSettingsAppliesMockAndEchoesAfterDelay(t *testing.T) {
	f := newFixture(t, func(config *Config) {
		config.MockSettings = map[string]any{"volume": 11, "mode": "test"}
	})
	f.table.Dispatch(envelope.Envelope{
		Type:    "set",
		Request: "settings",
		Payload: map[string]any{
			"volume": map[string]any{"value": 3, "label": "Volume"},
			"mode":   "live",
			"theme":  "dark",
		},
	})

	settings := f.table.Record().Settings()
	volume := settings["volume"].(map[string]any)
	if volume["value"] != 11 || volume["label"] != "Volume" {
		t.Errorf("volume descriptor = %v, want value overridden and label kept", volume)
	}
	if settings["mode"] != "test" {
		t.Errorf("mode = %v, want whole value overridden", settings["mode"])
	}
	if settings["theme"] != "dark" {
		t.Errorf("theme = %v, want submitted value", settings["theme"])
	}

	if len(f.bus.notified) != 0 || len(f.bus.published) != 0 {
		t.Fatal("settings echoed before the simulated delay")
	}
	f.clock.Advance(DefaultSettingsDelay - time.Millisecond)
	if len(f.bus.notified) != 0 {
		t.Fatal("settings echoed early")
	}
	f.clock.Advance(time.Millisecond)

	echo := f.lastNotified(t)
	if echo.Type != "settings" {
		t.Errorf("echo type = %q", echo.Type)
	}
	if len(f.bus.published) != 1 {
		t.Fatalf("published %d frames, want 1 device settings push", len(f.bus.published))
	}
	push := f.bus.published[0]
	if push.event != envelope.EventClientRequest || push.data.App != "client" || push.data.Type != "settings" {
		t.Errorf("device push = %+v", push)
	}
}

func TestCloseCancelsSettingsEcho(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Dispatch(envelope.Envelope{Type: "set", Request: "settings", Payload: map[string]any{"a": 1}})
	f.table.Close()
	f.clock.Advance(DefaultSettingsDelay)
	if len(f.bus.notified) != 0 {
		t.Errorf("echo delivered after Close: %+v", f.bus.notified)
	}
}

func TestSendForwardsNestedEnvelopeToDevice(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Dispatch(envelope.Envelope{
		Type:    "send",
		Payload: map[string]any{"type": "forecast", "payload": map[string]any{"temp": 12}},
	})
	f.table.Dispatch(envelope.Envelope{
		Type:    "send",
		Payload: map[string]any{"app": "client", "type": "song", "request": "set"},
	})

	if len(f.bus.published) != 2 {
		t.Fatalf("published %d frames, want 2", len(f.bus.published))
	}
	first := f.bus.published[0]
	if first.event != envelope.EventClientRequest || first.data.App != "weather" || first.data.Type != "forecast" {
		t.Errorf("first frame = %+v", first)
	}
	second := f.bus.published[1].data
	if second.App != "client" || second.Request != "set" || second.Payload != "" {
		t.Errorf("second frame = %+v", second)
	}
}

func TestOpenRunsOffTheDispatchPath(t *testing.T) {
	f := newFixture(t, func(config *Config) {
		config.Opener = channelOpener{urls: make(chan string), err: errors.New("no browser")}
	})
	urls := f.table.config.Opener.(channelOpener).urls

	// The opener blocks until the test receives, so Dispatch returning
	// first proves the URL is opened asynchronously.
	f.table.Dispatch(envelope.Envelope{Type: "open", Payload: "https://example.com/auth"})
	if got := testutil.RequireReceive(t, urls, 5*time.Second, "waiting for open"); got != "https://example.com/auth" {
		t.Errorf("opened %q", got)
	}
}

func TestLogEnvelopeIsPrinted(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Dispatch(envelope.Envelope{Type: "log", Request: "error", Payload: "fetch failed"})
	if got := f.printed.String(); got != "ERROR [weather] fetch failed\n" {
		t.Errorf("printed %q", got)
	}
}

func TestLogWithUnknownLevelIsNotPrinted(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Dispatch(envelope.Envelope{Type: "log", Request: "shout", Payload: "hello"})
	if got := f.printed.String(); got != "" {
		t.Errorf("printed %q, want nothing", got)
	}
	if got := promtest.ToFloat64(f.metrics.EnvelopesHandled.WithLabelValues("unhandled")); got != 1 {
		t.Errorf("unhandled count = %v, want 1", got)
	}
	if got := promtest.ToFloat64(f.metrics.EnvelopesHandled.WithLabelValues(envelope.TypeLog)); got != 0 {
		t.Errorf("log count = %v, want 0", got)
	}
}

func TestUnknownEnvelopesAreCountedAndIgnored(t *testing.T) {
	f := newFixture(t, nil)
	for _, message := range []envelope.Envelope{
		{Type: "step", Request: "add"},
		{Type: "get", Request: "weather"},
		{Type: "key", Request: "add", Payload: map[string]any{"id": "k"}},
		{Type: "toApp", Request: "spotify"},
	} {
		f.table.Dispatch(message)
	}
	if len(f.bus.notified) != 0 || len(f.bus.published) != 0 {
		t.Errorf("unhandled envelopes produced traffic: %+v %+v", f.bus.notified, f.bus.published)
	}
	if got := promtest.ToFloat64(f.metrics.EnvelopesHandled.WithLabelValues("unhandled")); got != 1 {
		t.Errorf("unhandled count = %v, want 1", got)
	}
}

// panickingBus fails the first Notify, standing in for a handler bug.
type panickingBus struct {
	recordingBus
	panicked bool
}

func (b *panickingBus) Notify(event string, data any) int {
	if !b.panicked {
		b.panicked = true
		panic("subscriber exploded")
	}
	return b.recordingBus.Notify(event, data)
}

func TestPanicDropsOnlyThatEnvelope(t *testing.T) {
	faulty := &panickingBus{}
	f := newFixture(t, func(config *Config) { config.Bus = faulty })

	f.table.Dispatch(envelope.Envelope{Type: "get", Request: "data"})
	f.table.Dispatch(envelope.Envelope{Type: "get", Request: "settings"})

	if len(faulty.notified) != 1 || faulty.notified[0].data.Type != "settings" {
		t.Errorf("notified = %+v, want only the second response", faulty.notified)
	}
	if got := promtest.ToFloat64(f.metrics.HandlerFailures); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
}

func TestAnswerClientRequests(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Record().MergeData(map[string]any{"a": 1})

	for _, request := range []string{"getData", "getManifest", "getSettings", "ping"} {
		f.table.AnswerClient(envelope.Envelope{Type: request, Payload: "x"})
	}

	var types []string
	for _, published := range f.bus.published {
		if published.event != envelope.EventClientResponse {
			t.Errorf("published on %q, want client:response", published.event)
		}
		types = append(types, published.data.Type)
	}
	if got := strings.Join(types, ","); got != "data,manifest,settings,ping" {
		t.Errorf("response types = %s", got)
	}
	if manifest := f.bus.published[1].data.Payload.(map[string]any); manifest["id"] != "weather" {
		t.Errorf("manifest payload = %v", manifest)
	}
}

func TestAttachRoutesBusEvents(t *testing.T) {
	f := newFixture(t, nil)
	registry := bus.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	detach := f.table.Attach(registry)

	registry.Notify(envelope.EventServerData, envelope.Envelope{Type: "set", Request: "data", Payload: map[string]any{"k": "v"}})
	registry.Notify(envelope.EventServerLog, "listening on 4000")
	registry.Notify(envelope.EventClientRequest, map[string]any{"type": "getData"})

	if got := f.table.Record().Data(); got["k"] != "v" {
		t.Errorf("server:data not dispatched: %v", got)
	}
	if !strings.Contains(f.printed.String(), "[weather] listening on 4000") {
		t.Errorf("server:log not printed: %q", f.printed.String())
	}
	if len(f.bus.published) != 1 || f.bus.published[0].data.Type != "data" {
		t.Errorf("client:request not answered: %+v", f.bus.published)
	}

	detach()
	if registry.Count(envelope.EventServerData) != 0 {
		t.Error("subscriptions survived detach")
	}
}
