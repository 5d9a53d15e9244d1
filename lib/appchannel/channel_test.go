// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appchannel

import (
	"io"
	"os"
	"strconv"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/deskthing/devrelay/lib/envelope"
)

// socketpair returns both ends of a connected stream socket pair.
func socketpair(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return os.NewFile(uintptr(fds[0]), "parent"), os.NewFile(uintptr(fds[1]), "child")
}

func TestMessagesCrossTheChannel(t *testing.T) {
	parentEnd, childEnd := socketpair(t)
	parent := New(parentEnd)
	child := New(childEnd)
	defer parent.Close()

	if err := child.Log("listening"); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := child.Data(envelope.Envelope{
		Type:    "set",
		Request: "data",
		Payload: map[string]any{"count": 3},
	}); err != nil {
		t.Fatalf("Data: %v", err)
	}

	logMessage, err := parent.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if logMessage.Type != envelope.EventServerLog || logMessage.Log != "listening" {
		t.Errorf("log message = %+v", logMessage)
	}

	dataMessage, err := parent.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if dataMessage.Type != envelope.EventServerData || dataMessage.Envelope == nil {
		t.Fatalf("data message = %+v", dataMessage)
	}
	payload := dataMessage.Envelope.Payload.(map[string]any)
	if payload["count"] != int64(3) {
		t.Errorf("payload count = %#v, want int64(3)", payload["count"])
	}

	child.Close()
	if _, err := parent.Receive(); err != io.EOF {
		t.Errorf("Receive after close = %v, want io.EOF", err)
	}
}

func TestOpenUsesAdvertisedDescriptor(t *testing.T) {
	parentEnd, childEnd := socketpair(t)
	parent := New(parentEnd)
	defer parent.Close()

	fd, err := unix.Dup(int(childEnd.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	childEnd.Close()
	t.Setenv(EnvFD, strconv.Itoa(fd))
	child, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer child.Close()

	if err := parent.Send(Message{Type: TypeAppData, Envelope: &envelope.Envelope{Type: "get", Request: "refresh"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := child.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.Type != envelope.EventAppData || got.Envelope.Request != "refresh" {
		t.Errorf("message = %+v", got)
	}
}

func TestOpenWithoutSupervisor(t *testing.T) {
	t.Setenv(EnvFD, "")
	if _, err := Open(); err == nil {
		t.Error("Open without DESKTHING_IPC_FD succeeded")
	}
	t.Setenv(EnvFD, "three")
	if _, err := Open(); err == nil {
		t.Error("Open with a non-numeric descriptor succeeded")
	}
}
