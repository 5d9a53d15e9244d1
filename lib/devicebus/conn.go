// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package devicebus

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live transport handle. Messages are whole text frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transport handles.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the relay with gorilla/websocket.
type WebsocketDialer struct {
	// HandshakeTimeout defaults to 5s.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each frame write. Defaults to 5s.
	WriteTimeout time.Duration
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 5 * time.Second
	}
	conn, response, err := dialer.DialContext(ctx, url, nil)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &websocketConn{conn: conn, writeTimeout: writeTimeout}, nil
}

type websocketConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *websocketConn) WriteMessage(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) Close() error {
	return c.conn.Close()
}
