// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// BrowserOpener opens URLs with the platform's default handler.
type BrowserOpener struct {
	// Timeout bounds how long the launcher command may run.
	Timeout time.Duration
}

// Open runs xdg-open, open, or rundll32 depending on the platform and
// waits for the launcher (not the browser) to exit.
func (o BrowserOpener) Open(url string) error {
	name, args := openCommand(runtime.GOOS, url)
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (output: %s)", name, url, err, output)
	}
	return nil
}

func openCommand(goos, url string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{url}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}
	default:
		return "xdg-open", []string{url}
	}
}
