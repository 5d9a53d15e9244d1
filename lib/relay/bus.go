// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deskthing/devrelay/lib/bus"
	"github.com/deskthing/devrelay/lib/envelope"
	"github.com/deskthing/devrelay/lib/metrics"
	"github.com/deskthing/devrelay/lib/netutil"
)

const (
	// sendBuffer is the per-device frame backlog before the device is
	// considered stalled and disconnected.
	sendBuffer = 256

	writeTimeout = 5 * time.Second

	// maxFrameSize bounds a single inbound frame.
	maxFrameSize = 16 << 20
)

// Config configures a Bus.
type Config struct {
	// CheckOrigin decides whether a websocket upgrade is accepted.
	// Nil uses gorilla's default: requests without an Origin header
	// and same-host origins are accepted.
	CheckOrigin func(r *http.Request) bool

	Metrics *metrics.Relay
	Logger  *slog.Logger
}

// Bus is the relay's message bus. The zero value is not usable; call
// New.
type Bus struct {
	registry *bus.Registry
	upgrader websocket.Upgrader
	metrics  *metrics.Relay
	logger   *slog.Logger

	queueMu sync.Mutex
	queue   []func()
	wake    chan struct{}

	peersMu sync.Mutex
	peers   map[*peer]struct{}
	closed  bool
}

// New returns a Bus with no subscribers and no attached devices.
func New(config Config) *Bus {
	return &Bus{
		registry: bus.NewRegistry(config.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     config.CheckOrigin,
		},
		metrics: config.Metrics,
		logger:  config.Logger,
		wake:    make(chan struct{}, 1),
		peers:   make(map[*peer]struct{}),
	}
}

// Subscribe registers callback for event. Callbacks run on the
// delivery goroutine when the event arrives through Deliver, or on the
// caller's goroutine for Notify.
func (b *Bus) Subscribe(event string, callback bus.Callback) func() {
	return b.registry.Subscribe(event, callback)
}

// Notify delivers to local subscribers only, on the calling goroutine.
func (b *Bus) Notify(event string, data any) int {
	return b.registry.Notify(event, data)
}

// Deliver queues a local notification for the delivery goroutine.
func (b *Bus) Deliver(event string, data any) {
	b.Post(func() { b.registry.Notify(event, data) })
}

// Post queues f to run on the delivery goroutine. Never blocks.
func (b *Bus) Post(f func()) {
	b.queueMu.Lock()
	b.queue = append(b.queue, f)
	backlog := len(b.queue)
	b.queueMu.Unlock()
	b.metrics.DeliveryBacklog.Set(float64(backlog))

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run executes queued deliveries in order until ctx is cancelled, then
// disconnects every device. Deliveries still queued at cancellation
// are discarded.
func (b *Bus) Run(ctx context.Context) error {
	defer b.closePeers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.wake:
		}
		for {
			b.queueMu.Lock()
			if len(b.queue) == 0 {
				b.queueMu.Unlock()
				break
			}
			next := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			backlog := len(b.queue)
			b.queueMu.Unlock()
			b.metrics.DeliveryBacklog.Set(float64(backlog))

			b.run(next)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (b *Bus) run(f func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("delivery panicked", "panic", recovered)
		}
	}()
	f()
}

// Publish sends (event, data) to every attached device.
func (b *Bus) Publish(event string, data any) {
	encoded, err := envelope.EncodeFrame(event, data)
	if err != nil {
		b.logger.Error("dropping unencodable frame", "event", event, "error", err)
		b.metrics.FramesDropped.WithLabelValues("encode").Inc()
		return
	}

	b.peersMu.Lock()
	defer b.peersMu.Unlock()
	if len(b.peers) == 0 {
		b.logger.Debug("no device attached, frame dropped", "event", event)
		b.metrics.FramesDropped.WithLabelValues("no_peer").Inc()
		return
	}
	for p := range b.peers {
		select {
		case p.send <- encoded:
			b.metrics.FramesPublished.WithLabelValues(event).Inc()
		default:
			b.logger.Warn("device stalled, disconnecting", "peer", p.remote, "event", event)
			b.metrics.FramesDropped.WithLabelValues("stalled").Inc()
			b.detachLocked(p)
		}
	}
}

// PeerCount returns the number of attached devices.
func (b *Bus) PeerCount() int {
	b.peersMu.Lock()
	defer b.peersMu.Unlock()
	return len(b.peers)
}

// ServeHTTP upgrades the request to a websocket and attaches it as a
// device until either side closes.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		b.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	p := newPeer(conn, r.RemoteAddr)
	if !b.attach(p) {
		conn.Close()
		return
	}
	b.logger.Info("device attached", "peer", p.remote)
	go p.writeLoop(b.logger)
	b.readLoop(p)
}

func (b *Bus) attach(p *peer) bool {
	b.peersMu.Lock()
	defer b.peersMu.Unlock()
	if b.closed {
		return false
	}
	b.peers[p] = struct{}{}
	b.metrics.Peers.Set(float64(len(b.peers)))
	return true
}

func (b *Bus) detach(p *peer) {
	b.peersMu.Lock()
	defer b.peersMu.Unlock()
	b.detachLocked(p)
}

func (b *Bus) detachLocked(p *peer) {
	if _, ok := b.peers[p]; !ok {
		return
	}
	delete(b.peers, p)
	b.metrics.Peers.Set(float64(len(b.peers)))
	p.close()
}

func (b *Bus) closePeers() {
	b.peersMu.Lock()
	defer b.peersMu.Unlock()
	b.closed = true
	for p := range b.peers {
		b.detachLocked(p)
	}
}

// readLoop decodes frames from p and delivers them until the
// connection fails.
func (b *Bus) readLoop(p *peer) {
	defer func() {
		b.detach(p)
		b.logger.Info("device detached", "peer", p.remote)
	}()
	p.conn.SetReadLimit(maxFrameSize)
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				b.logger.Warn("device read failed", "peer", p.remote, "error", err)
			}
			return
		}
		frame, err := envelope.DecodeFrame(raw)
		if err != nil {
			b.logger.Warn("ignoring malformed frame", "peer", p.remote, "error", err)
			continue
		}
		b.metrics.FramesReceived.WithLabelValues(frame.Event).Inc()
		b.Deliver(frame.Event, frame.Data)
	}
}

// peer is one attached device connection.
type peer struct {
	conn   *websocket.Conn
	remote string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func newPeer(conn *websocket.Conn, remote string) *peer {
	return &peer{
		conn:   conn,
		remote: remote,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (p *peer) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-p.done:
			return
		case message := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				if !netutil.IsExpectedCloseError(err) {
					logger.Warn("device write failed", "peer", p.remote, "error", err)
				}
				p.close()
				return
			}
		}
	}
}

// close stops the writer and closes the connection, which also ends
// the reader. Safe to call more than once.
func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}
