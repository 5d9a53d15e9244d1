// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package devicebus is the device side of the message bus: a
// reconnecting websocket client with a local subscription registry.
//
// The connection is an explicit state machine:
//
//	Disconnected --Connect--> Connecting --dial ok--> Connected
//	     ^                        |                       |
//	     +-------dial failed------+--------close/error----+
//
// Publish writes immediately while Connected and otherwise appends to
// the outbound queue. The queue is flushed in order, then cleared,
// on the transition to Connected. Every transition back to
// Disconnected schedules exactly one reconnect after the configured
// delay, replacing any reconnect already scheduled. Transport errors
// are logged; reconnecting is the close path's job.
//
// Inbound frames are decoded and delivered to subscribers on the
// connection's reader goroutine, one at a time.
package devicebus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/deskthing/devrelay/lib/bus"
	"github.com/deskthing/devrelay/lib/clock"
	"github.com/deskthing/devrelay/lib/envelope"
	"github.com/deskthing/devrelay/lib/metrics"
	"github.com/deskthing/devrelay/lib/netutil"
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("devicebus: client closed")

// DefaultReconnectDelay is used when Config.ReconnectDelay is zero.
const DefaultReconnectDelay = 2 * time.Second

// Config configures a Client.
type Config struct {
	// URL is the relay websocket address, e.g. ws://localhost:8080/.
	URL string

	ReconnectDelay time.Duration

	// OnStateChange, if set, is called after every transition with
	// the client's lock released.
	OnStateChange func(State)

	Dialer  Dialer
	Clock   clock.Clock
	Metrics *metrics.Device
	Logger  *slog.Logger
}

// Client is the device's connection to the relay.
type Client struct {
	config   Config
	registry *bus.Registry
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	mu         sync.Mutex
	state      State
	conn       Conn
	generation uint64
	queue      [][]byte
	closed     bool

	// reconnect is the scheduled reconnect, if any. reconnectSeq
	// identifies it so a superseded timer does nothing when it fires.
	reconnect    *clock.Timer
	reconnectSeq uint64
}

// New returns a disconnected Client. Call Connect to start.
func New(config Config) *Client {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Dialer == nil {
		config.Dialer = WebsocketDialer{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:   config,
		registry: bus.NewRegistry(config.Logger),
		logger:   config.Logger.With("relay", config.URL),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe registers callback for inbound frames of event.
func (c *Client) Subscribe(event string, callback bus.Callback) func() {
	return c.registry.Subscribe(event, callback)
}

// Notify delivers to local subscribers only.
func (c *Client) Notify(event string, data any) int {
	return c.registry.Notify(event, data)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLength returns the number of frames waiting for a connection.
func (c *Client) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Publish sends (event, data) to the relay, or queues it until the
// next successful connect.
func (c *Client) Publish(event string, data any) {
	encoded, err := envelope.EncodeFrame(event, data)
	if err != nil {
		c.logger.Error("dropping unencodable frame", "event", event, "error", err)
		return
	}

	c.mu.Lock()
	var notify []State
	if c.state != Connected {
		c.enqueueLocked(encoded)
		c.mu.Unlock()
		return
	}
	if err := c.conn.WriteMessage(encoded); err != nil {
		c.logger.Warn("write failed, frame requeued", "event", event, "error", err)
		c.enqueueLocked(encoded)
		notify = c.dropConnLocked()
		c.mu.Unlock()
		c.announce(notify)
		return
	}
	c.mu.Unlock()
	c.config.Metrics.FramesSent.WithLabelValues(event).Inc()
}

func (c *Client) enqueueLocked(frame []byte) {
	c.queue = append(c.queue, frame)
	c.config.Metrics.FramesQueued.Inc()
	c.config.Metrics.QueueDepth.Set(float64(len(c.queue)))
}

// Connect closes any live handle and starts a new dial. It returns
// once the dial has started; watch State or OnStateChange for the
// outcome.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	generation := c.connectLocked()
	c.mu.Unlock()
	c.announce([]State{Connecting})
	go c.dial(generation)
	return nil
}

// connectLocked moves to Connecting and returns the generation the
// caller dials for. The dial starts after Connecting is announced so
// observers never see Connected first.
func (c *Client) connectLocked() uint64 {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.reconnectSeq++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.generation++
	c.state = Connecting
	return c.generation
}

func (c *Client) dial(generation uint64) {
	conn, err := c.config.Dialer.Dial(c.ctx, c.config.URL)

	c.mu.Lock()
	if c.closed || generation != c.generation {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.logger.Warn("connecting to relay failed", "error", err)
		c.state = Disconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.announce([]State{Disconnected})
		return
	}

	c.conn = conn
	if !c.flushLocked() {
		notify := c.dropConnLocked()
		c.mu.Unlock()
		c.announce(notify)
		return
	}
	c.state = Connected
	c.config.Metrics.Connected.Set(1)
	c.mu.Unlock()

	c.logger.Info("connected to relay")
	c.announce([]State{Connected})
	go c.readLoop(conn, generation)
}

// flushLocked writes queued frames in order. On a write failure the
// unsent frames stay queued and false is returned.
func (c *Client) flushLocked() bool {
	for len(c.queue) > 0 {
		if err := c.conn.WriteMessage(c.queue[0]); err != nil {
			c.logger.Warn("flushing queue failed", "remaining", len(c.queue), "error", err)
			return false
		}
		c.queue[0] = nil
		c.queue = c.queue[1:]
	}
	c.queue = nil
	c.config.Metrics.QueueDepth.Set(0)
	return true
}

// dropConnLocked closes the live handle, moves to Disconnected, and
// schedules a reconnect. Returns the states to announce.
func (c *Client) dropConnLocked() []State {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.generation++
	c.state = Disconnected
	c.config.Metrics.Connected.Set(0)
	c.scheduleReconnectLocked()
	return []State{Disconnected}
}

func (c *Client) scheduleReconnectLocked() {
	if c.closed {
		return
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.reconnectSeq++
	seq := c.reconnectSeq
	c.config.Metrics.Reconnects.Inc()
	c.reconnect = c.config.Clock.AfterFunc(c.config.ReconnectDelay, func() {
		c.mu.Lock()
		// A replaced timer whose Stop lost the race must not dial.
		if c.closed || seq != c.reconnectSeq {
			c.mu.Unlock()
			return
		}
		c.reconnect = nil
		generation := c.connectLocked()
		c.mu.Unlock()
		c.announce([]State{Connecting})
		go c.dial(generation)
	})
}

func (c *Client) readLoop(conn Conn, generation uint64) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if generation != c.generation || c.closed {
				c.mu.Unlock()
				return
			}
			if !netutil.IsExpectedCloseError(err) {
				c.logger.Warn("relay connection lost", "error", err)
			} else {
				c.logger.Info("relay connection closed")
			}
			notify := c.dropConnLocked()
			c.mu.Unlock()
			c.announce(notify)
			return
		}
		frame, err := envelope.DecodeFrame(raw)
		if err != nil {
			c.logger.Warn("ignoring malformed frame", "error", err)
			continue
		}
		c.registry.Notify(frame.Event, frame.Data)
	}
}

func (c *Client) announce(states []State) {
	if c.config.OnStateChange == nil {
		return
	}
	for _, state := range states {
		c.config.OnStateChange(state)
	}
}

// Close disconnects, cancels any pending reconnect, and discards the
// outbound queue. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.generation++
	c.state = Disconnected
	c.queue = nil
	c.config.Metrics.Connected.Set(0)
	c.config.Metrics.QueueDepth.Set(0)
	c.mu.Unlock()
	c.announce([]State{Disconnected})
}
