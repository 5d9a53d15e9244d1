// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run(), where the logger may not exist yet.
// A pflag.ErrHelp error exits 0 without printing.
func Fatal(err error) {
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// SignalContext returns a context cancelled on the first SIGINT or
// SIGTERM. A second signal is left to the default handler, so a
// wedged shutdown can still be interrupted.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}
