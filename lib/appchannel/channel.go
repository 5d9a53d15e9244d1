// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appchannel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/deskthing/devrelay/lib/codec"
	"github.com/deskthing/devrelay/lib/envelope"
)

// Environment variables set on the child process.
const (
	EnvFD        = "DESKTHING_IPC_FD"
	EnvAppID     = "DESKTHING_APP_ID"
	EnvIndexPath = "SERVER_INDEX_PATH"
)

// ChildFD is the descriptor number the channel occupies in the child.
const ChildFD = 3

// Message types. Upward types are the bus events they become.
const (
	TypeLog     = envelope.EventServerLog
	TypeData    = envelope.EventServerData
	TypeAppData = envelope.EventAppData
)

// Message is one unit on the channel. Log is set for TypeLog;
// Envelope for TypeData and TypeAppData.
type Message struct {
	Type     string             `json:"type"`
	Log      string             `json:"log,omitempty"`
	Envelope *envelope.Envelope `json:"envelope,omitempty"`
}

// Channel is one end of the channel. Send is safe for concurrent use;
// Receive must be called from one goroutine.
type Channel struct {
	conn    io.ReadWriteCloser
	decoder *codec.Decoder

	writeMu sync.Mutex
	encoder *codec.Encoder
}

// New wraps conn.
func New(conn io.ReadWriteCloser) *Channel {
	return &Channel{
		conn:    conn,
		decoder: codec.NewDecoder(conn),
		encoder: codec.NewEncoder(conn),
	}
}

// Open returns the child's end, from the descriptor named by
// DESKTHING_IPC_FD.
func Open() (*Channel, error) {
	value := os.Getenv(EnvFD)
	if value == "" {
		return nil, fmt.Errorf("%s is not set; not running under the dev supervisor", EnvFD)
	}
	fd, err := strconv.Atoi(value)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("%s=%q is not a file descriptor", EnvFD, value)
	}
	return New(os.NewFile(uintptr(fd), "deskthing-ipc")), nil
}

// Send writes one message.
func (c *Channel) Send(message Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.encoder.Encode(message); err != nil {
		return fmt.Errorf("sending %s: %w", message.Type, err)
	}
	return nil
}

// Log sends a server:log line.
func (c *Channel) Log(line string) error {
	return c.Send(Message{Type: TypeLog, Log: line})
}

// Data sends a server:data envelope.
func (c *Channel) Data(message envelope.Envelope) error {
	return c.Send(Message{Type: TypeData, Envelope: &message})
}

// Receive reads the next message. It returns io.EOF when the other end
// closes cleanly.
func (c *Channel) Receive() (Message, error) {
	var message Message
	if err := c.decoder.Decode(&message); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, io.EOF
		}
		return Message{}, err
	}
	return message, nil
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
