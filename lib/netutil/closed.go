// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies connection errors for the websocket
// transports.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

// IsExpectedCloseError reports whether err is a normal end of a
// connection: EOF, a closed connection, a broken pipe, a reset, or a
// websocket close frame with a normal or going-away code. Readers and
// writers log these at debug level instead of as failures.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
