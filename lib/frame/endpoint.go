// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package frame serves the websocket the embedded application UI uses
// to talk to the emulated device.
//
// One UI is attached at a time; a new connection replaces the current
// one. Upgrades are accepted only from the configured UI origin.
// Messages in both directions are JSON text frames of the form
// {"payload": Envelope}. Every envelope sent to the UI carries
// source "deskthing".
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deskthing/devrelay/lib/envelope"
	"github.com/deskthing/devrelay/lib/metrics"
	"github.com/deskthing/devrelay/lib/netutil"
)

const (
	writeTimeout = 5 * time.Second
	maxFrameSize = 16 << 20
)

// Handler receives UI traffic and connection changes.
type Handler interface {
	FromUI(message envelope.Envelope)
	UIConnected()
	UIDisconnected()
}

// Config configures an Endpoint.
type Config struct {
	// Origin is the only Origin header accepted, e.g.
	// http://localhost:5173.
	Origin string

	Metrics *metrics.Device
	Logger  *slog.Logger
}

// Endpoint is an http.Handler for the UI websocket.
type Endpoint struct {
	origin   string
	upgrader websocket.Upgrader
	handler  Handler
	metrics  *metrics.Device
	logger   *slog.Logger

	mu      sync.Mutex
	current *uiConn
}

// wireFrame is the UI message shape.
type wireFrame struct {
	Payload envelope.Envelope `json:"payload"`
}

// New returns an Endpoint. Call Handle before serving.
func New(config Config) *Endpoint {
	e := &Endpoint{
		origin:  strings.TrimSuffix(config.Origin, "/"),
		metrics: config.Metrics,
		logger:  config.Logger,
	}
	e.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     e.checkOrigin,
	}
	return e
}

// Handle sets the receiver of UI traffic.
func (e *Endpoint) Handle(handler Handler) {
	e.handler = handler
}

func (e *Endpoint) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSuffix(r.Header.Get("Origin"), "/")
	if origin == "" || origin != e.origin {
		e.logger.Warn("rejecting UI connection from foreign origin", "origin", origin, "want", e.origin)
		return false
	}
	return true
}

// Connected reports whether a UI is attached.
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// Send writes message to the attached UI, stamped with the device
// source marker. Without a UI the message is dropped.
func (e *Endpoint) Send(message envelope.Envelope) {
	message.Source = envelope.SourceMarker
	encoded, err := json.Marshal(wireFrame{Payload: message})
	if err != nil {
		e.logger.Error("dropping unencodable UI message", "type", message.Type, "error", err)
		return
	}

	e.mu.Lock()
	ui := e.current
	e.mu.Unlock()
	if ui == nil {
		e.logger.Debug("no UI attached, message dropped", "type", message.Type)
		return
	}
	if err := ui.write(encoded); err != nil {
		if !netutil.IsExpectedCloseError(err) {
			e.logger.Warn("UI write failed", "error", err)
		}
		ui.close()
	}
}

// ServeHTTP upgrades the request and attaches it as the UI.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.handler == nil {
		http.Error(w, "device not ready", http.StatusServiceUnavailable)
		return
	}
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("UI upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ui := &uiConn{conn: conn}

	e.mu.Lock()
	previous := e.current
	e.current = ui
	e.mu.Unlock()
	if previous != nil {
		e.logger.Info("UI replaced by a new connection")
		previous.close()
	}
	e.metrics.UIConnections.Set(1)
	e.logger.Info("UI attached", "remote", r.RemoteAddr)
	e.handler.UIConnected()

	err = e.readLoop(ui)

	e.mu.Lock()
	stillCurrent := e.current == ui
	if stillCurrent {
		e.current = nil
	}
	e.mu.Unlock()
	ui.close()
	if !stillCurrent {
		return
	}
	e.metrics.UIConnections.Set(0)
	if err != nil && !netutil.IsExpectedCloseError(err) {
		e.logger.Warn("UI connection lost", "error", err)
	} else {
		e.logger.Info("UI detached")
	}
	e.handler.UIDisconnected()
}

func (e *Endpoint) readLoop(ui *uiConn) error {
	ui.conn.SetReadLimit(maxFrameSize)
	for {
		kind, raw, err := ui.conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		message, err := decode(raw)
		if err != nil {
			e.logger.Warn("ignoring malformed UI message", "error", err)
			continue
		}
		e.handler.FromUI(message)
	}
}

func decode(raw []byte) (envelope.Envelope, error) {
	var frame struct {
		Payload *envelope.Envelope `json:"payload"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return envelope.Envelope{}, fmt.Errorf("decoding UI message: %w", err)
	}
	if frame.Payload == nil {
		return envelope.Envelope{}, errors.New("UI message has no payload")
	}
	return *frame.Payload, nil
}

// uiConn serialises writes to one UI connection.
type uiConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

func (u *uiConn) write(data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return u.conn.WriteMessage(websocket.TextMessage, data)
}

func (u *uiConn) close() {
	u.once.Do(func() { u.conn.Close() })
}
