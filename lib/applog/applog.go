// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package applog renders log lines produced by the application under
// development (log envelopes and raw child output) for the developer's
// terminal. These lines are program output, not relay diagnostics, so
// they go to their own writer rather than through slog.
package applog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/deskthing/devrelay/lib/envelope"
)

// ColorMode selects whether lines are styled.
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// Options configures a Printer.
type Options struct {
	Color ColorMode

	// MaxWidth truncates each rendered line to this many cells. Zero
	// means no limit.
	MaxWidth int
}

// Printer writes styled application log lines. Safe for concurrent
// use.
type Printer struct {
	mu       sync.Mutex
	out      io.Writer
	maxWidth int
	styles   map[envelope.LogLevel]lipgloss.Style
	app      lipgloss.Style
}

// New returns a Printer writing to out.
func New(out io.Writer, options Options) *Printer {
	profile := colorProfile(out, options.Color)
	renderer := lipgloss.NewRenderer(out, termenv.WithProfile(profile))
	renderer.SetColorProfile(profile)

	level := func(color string) lipgloss.Style {
		return renderer.NewStyle().Foreground(lipgloss.Color(color)).Bold(true)
	}
	return &Printer{
		out:      out,
		maxWidth: options.MaxWidth,
		styles: map[envelope.LogLevel]lipgloss.Style{
			envelope.LogMessage:   level("12"),
			envelope.LogLog:       level("7"),
			envelope.LogWarning:   level("11"),
			envelope.LogError:     level("9"),
			envelope.LogDebug:     level("8"),
			envelope.LogFatal:     level("13"),
			envelope.LogUnhandled: level("7"),
		},
		app: renderer.NewStyle().Foreground(lipgloss.Color("6")),
	}
}

func colorProfile(out io.Writer, mode ColorMode) termenv.Profile {
	switch mode {
	case ColorNever:
		return termenv.Ascii
	case ColorAlways:
		return termenv.ANSI256
	}
	file, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return termenv.Ascii
	}
	return termenv.EnvColorProfile()
}

// Line writes one leveled line attributed to app.
func (p *Printer) Line(app string, level envelope.LogLevel, message string) {
	label := string(level)
	if level == envelope.LogUnhandled {
		label = "log"
	}
	style := p.styles[level]
	p.write(fmt.Sprintf("%s %s %s",
		style.Render(strings.ToUpper(label)),
		p.app.Render("["+app+"]"),
		message,
	))
}

// Raw writes one unleveled line of child output attributed to app.
func (p *Printer) Raw(app, line string) {
	p.write(p.app.Render("["+app+"]") + " " + strings.TrimRight(line, "\n"))
}

func (p *Printer) write(line string) {
	if p.maxWidth > 0 {
		line = ansi.Truncate(line, p.maxWidth, "…")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.out, line+"\n")
}
