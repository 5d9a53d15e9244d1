// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/deskthing/devrelay/lib/appchannel"
	"github.com/deskthing/devrelay/lib/envelope"
	"github.com/deskthing/devrelay/lib/testutil"
)

// TestHelperApplication is not a real test: ExecSpawner tests run the
// test binary as the application with DESKTHING_TEST_HELPER=1. It logs,
// then echoes every app:data envelope back as server:data.
func TestHelperApplication(t *testing.T) {
	if os.Getenv("DESKTHING_TEST_HELPER") != "1" {
		return
	}
	channel, err := appchannel.Open()
	if err != nil {
		os.Exit(2)
	}
	channel.Log("helper " + os.Getenv(appchannel.EnvAppID) + " " + os.Getenv("NODE_ENV"))
	for {
		message, err := channel.Receive()
		if err != nil {
			os.Exit(0)
		}
		if message.Envelope != nil {
			channel.Data(*message.Envelope)
		}
	}
}

func helperSpawner(t *testing.T) ExecSpawner {
	t.Helper()
	return ExecSpawner{
		Command: []string{os.Args[0], "-test.run=^TestHelperApplication$"},
		Dir:     t.TempDir(),
		AppID:   "helper-app",
		Env:     []string{"DESKTHING_TEST_HELPER=1"},
		Stdout:  io.Discard,
		Stderr:  io.Discard,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestExecSpawnerChannelAndTerminate(t *testing.T) {
	child, err := helperSpawner(t).Spawn()
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { child.Kill() })
	if child.PID() <= 0 {
		t.Fatalf("pid = %d", child.PID())
	}

	greeting := testutil.RequireReceive(t, child.Messages(), timeout, "helper log line")
	if greeting.Type != appchannel.TypeLog || greeting.Log != "helper helper-app development" {
		t.Errorf("greeting = %+v", greeting)
	}

	request := envelope.Envelope{Type: "get", Request: "refresh", App: "helper-app"}
	if err := child.Send(appchannel.Message{Type: appchannel.TypeAppData, Envelope: &request}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	echo := testutil.RequireReceive(t, child.Messages(), timeout, "echoed envelope")
	if echo.Type != appchannel.TypeData || echo.Envelope == nil || echo.Envelope.Request != "refresh" {
		t.Errorf("echo = %+v", echo)
	}

	if err := child.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	testutil.RequireClosed(t, child.Done(), timeout, "helper exit")
	if exit := child.Exit(); exit.Signal != "SIGTERM" {
		t.Errorf("exit = %v, want SIGTERM", exit)
	}
	// Signalling a reaped group is not an error.
	if err := child.Kill(); err != nil {
		t.Errorf("Kill after exit: %v", err)
	}
	if err := child.Send(appchannel.Message{Type: appchannel.TypeAppData, Envelope: &request}); err == nil {
		t.Error("Send after exit succeeded")
	}
}

func TestExecSpawnerReportsExitCode(t *testing.T) {
	spawner := helperSpawner(t)
	spawner.Command = []string{"/bin/sh", "-c", "exit 7"}
	child, err := spawner.Spawn()
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	testutil.RequireClosed(t, child.Done(), timeout, "exit")
	if exit := child.Exit(); exit.Code != 7 || exit.Signal != "" {
		t.Errorf("exit = %+v, want code 7", exit)
	}
}

func TestExecSpawnerMissingCommand(t *testing.T) {
	spawner := helperSpawner(t)
	spawner.Command = []string{"/nonexistent/deskthing-app"}
	if _, err := spawner.Spawn(); err == nil {
		t.Error("Spawn of a missing binary succeeded")
	}
	spawner.Command = nil
	if _, err := spawner.Spawn(); err == nil {
		t.Error("Spawn without a command succeeded")
	}
}
