// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/deskthing/devrelay/lib/envelope"
	"github.com/deskthing/devrelay/lib/metrics"
	"github.com/deskthing/devrelay/lib/testutil"
)

const timeout = 5 * time.Second

type harness struct {
	bus     *Bus
	metrics *metrics.Relay
	server  *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	relayMetrics := metrics.NewRelay(prometheus.NewRegistry())
	b := New(Config{
		Metrics: relayMetrics,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		b.Run(ctx)
	}()
	server := httptest.NewServer(b)
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, stopped, timeout, "delivery loop exit")
		server.Close()
	})
	return &harness{bus: b, metrics: relayMetrics, server: server}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	before := h.bus.PeerCount()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	testutil.Eventually(t, timeout, func() bool { return h.bus.PeerCount() == before+1 }, "device attach")
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) envelope.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	frame, err := envelope.DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decoding frame %s: %v", raw, err)
	}
	return frame
}

func TestPublishWithoutDeviceDrops(t *testing.T) {
	h := newHarness(t)
	h.bus.Publish(envelope.EventClientRequest, envelope.Envelope{Type: "time"})
	if got := promtest.ToFloat64(h.metrics.FramesDropped.WithLabelValues("no_peer")); got != 1 {
		t.Errorf("no_peer drops = %v, want 1", got)
	}
}

func TestPublishReachesEveryDevice(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t)
	second := h.dial(t)

	h.bus.Publish(envelope.EventClientRequest, envelope.Envelope{Type: "song", App: "client"})

	for _, conn := range []*websocket.Conn{first, second} {
		frame := readFrame(t, conn)
		if frame.Event != envelope.EventClientRequest {
			t.Errorf("event = %q", frame.Event)
		}
		data := frame.Data.(map[string]any)
		if data["type"] != "song" || data["app"] != "client" {
			t.Errorf("data = %v", data)
		}
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	for i := range 50 {
		h.bus.Publish("app:data", i)
	}
	for i := range 50 {
		frame := readFrame(t, conn)
		if frame.Data != float64(i) {
			t.Fatalf("frame %d carried %v", i, frame.Data)
		}
	}
}

func TestDeviceFramesAreDeliveredToSubscribers(t *testing.T) {
	h := newHarness(t)
	received := make(chan any, 1)
	h.bus.Subscribe(envelope.EventClientRequest, func(data any) { received <- data })

	conn := h.dial(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"client:request","data":{"type":"getData"}}`)); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	data := testutil.RequireReceive(t, received, timeout, "waiting for client:request")
	if data.(map[string]any)["type"] != "getData" {
		t.Errorf("data = %v", data)
	}
}

func TestMalformedFramesAreSkipped(t *testing.T) {
	h := newHarness(t)
	received := make(chan any, 1)
	h.bus.Subscribe("app:data", func(data any) { received <- data })

	conn := h.dial(t)
	for _, raw := range []string{`not json`, `{"data":1}`, `{"event":"app:data","data":"ok"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("writing frame: %v", err)
		}
	}
	if got := testutil.RequireReceive(t, received, timeout, "waiting for valid frame"); got != "ok" {
		t.Errorf("received %v", got)
	}
	if h.bus.PeerCount() != 1 {
		t.Error("malformed frames disconnected the device")
	}
}

func TestPostRunsInOrderOnOneGoroutine(t *testing.T) {
	h := newHarness(t)
	results := make(chan int, 100)
	for i := range 100 {
		h.bus.Post(func() { results <- i })
	}
	for i := range 100 {
		if got := testutil.RequireReceive(t, results, timeout, "post %d", i); got != i {
			t.Fatalf("post %d ran as %d", i, got)
		}
	}
}

func TestPanickingDeliveryDoesNotStopTheLoop(t *testing.T) {
	h := newHarness(t)
	done := make(chan struct{})
	h.bus.Post(func() { panic("bad handler") })
	h.bus.Post(func() { close(done) })
	testutil.RequireClosed(t, done, timeout, "delivery after panic")
}

func TestDetachOnDeviceClose(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	conn.Close()
	testutil.Eventually(t, timeout, func() bool { return h.bus.PeerCount() == 0 }, "device detach")
}
