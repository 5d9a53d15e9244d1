// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package applog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"

	"github.com/deskthing/devrelay/lib/envelope"
)

func TestLinePlainWhenNotATerminal(t *testing.T) {
	var buffer bytes.Buffer
	printer := New(&buffer, Options{Color: ColorAuto})
	printer.Line("weather", envelope.LogWarning, "low battery")

	if got, want := buffer.String(), "WARNING [weather] low battery\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestUnknownLevelRendersAsLog(t *testing.T) {
	var buffer bytes.Buffer
	New(&buffer, Options{Color: ColorNever}).Line("weather", envelope.LogUnhandled, "hello")
	if !strings.HasPrefix(buffer.String(), "LOG [weather]") {
		t.Errorf("output = %q", buffer.String())
	}
}

func TestColorAlwaysStyles(t *testing.T) {
	var buffer bytes.Buffer
	New(&buffer, Options{Color: ColorAlways}).Line("weather", envelope.LogError, "boom")
	output := buffer.String()
	if !strings.Contains(output, "\x1b[") {
		t.Fatalf("expected ANSI escapes, got %q", output)
	}
	if got := ansi.Strip(output); got != "ERROR [weather] boom\n" {
		t.Errorf("stripped output = %q", got)
	}
}

func TestMaxWidthTruncates(t *testing.T) {
	var buffer bytes.Buffer
	printer := New(&buffer, Options{Color: ColorNever, MaxWidth: 20})
	printer.Raw("weather", strings.Repeat("x", 100)+"\n")

	line := strings.TrimSuffix(buffer.String(), "\n")
	if width := ansi.StringWidth(line); width > 20 {
		t.Errorf("line width = %d, want <= 20: %q", width, line)
	}
	if !strings.HasSuffix(line, "…") {
		t.Errorf("truncated line lacks tail: %q", line)
	}
}
