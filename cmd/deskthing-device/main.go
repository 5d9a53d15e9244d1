// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// deskthing-device emulates a DeskThing device for local development.
//
// It connects to deskthing-dev on the link port, queueing frames while
// the relay is unreachable, and hosts the embedded application UI's
// websocket on the client port. The UI (served by Vite) talks to the
// emulated device exactly as it would on hardware: music, settings and
// time come from the relay or from local sample state, and input is
// forwarded to the application.
//
// The client port serves:
//
//	/frame    embedded UI websocket (Vite origin only)
//	/state    device state as JSON
//	/metrics  Prometheus metrics
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/deskthing/devrelay/lib/applog"
	"github.com/deskthing/devrelay/lib/config"
	"github.com/deskthing/devrelay/lib/devicebus"
	"github.com/deskthing/devrelay/lib/frame"
	"github.com/deskthing/devrelay/lib/metrics"
	"github.com/deskthing/devrelay/lib/process"
	"github.com/deskthing/devrelay/lib/router"
	"github.com/deskthing/devrelay/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		clientPort  int
		linkPort    int
		logLevel    string
		logFormat   string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("deskthing-device", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file (default: $"+config.EnvConfig+", then ./"+config.DefaultFile+" if present)")
	flagSet.IntVar(&clientPort, "client-port", 0, "port the embedded UI connects to (overrides client.clientPort)")
	flagSet.IntVar(&linkPort, "link-port", 0, "relay port (overrides client.linkPort)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn, error or silent (overrides logging.level)")
	flagSet.StringVar(&logFormat, "log-format", "", "json or text (overrides logging.format)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("deskthing-device %s\n", version.Info())
		return nil
	}

	path, err := config.Resolve(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if clientPort != 0 {
		cfg.Client.ClientPort = clientPort
	}
	if linkPort != 0 {
		cfg.Client.LinkPort = linkPort
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := process.SignalContext(context.Background())
	defer stop()
	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	clientID := uuid.NewString()
	logger = logger.With("client_id", clientID)
	logger.Info("starting deskthing-device",
		"version", version.Info(),
		"relay", cfg.RelayURL(),
		"client_port", cfg.Client.ClientPort,
	)

	registry := metrics.NewRegistry()
	deviceMetrics := metrics.NewDevice(registry)

	client := devicebus.New(devicebus.Config{
		URL:            cfg.RelayURL(),
		ReconnectDelay: cfg.ReconnectDelay(),
		OnStateChange: func(state devicebus.State) {
			logger.Info("relay connection", "state", state.String())
		},
		Metrics: deviceMetrics,
		Logger:  logger.With("component", "devicebus"),
	})
	defer client.Close()

	endpoint := frame.New(frame.Config{
		Origin:  cfg.ViteOrigin(),
		Metrics: deviceMetrics,
		Logger:  logger.With("component", "frame"),
	})
	deviceRouter := router.New(router.Config{
		ClientID:  clientID,
		Transport: client,
		UI:        endpoint,
		Printer: applog.New(os.Stdout, applog.Options{
			Color:    applog.ColorMode(cfg.Logging.Color),
			MaxWidth: cfg.Logging.MaxWidth,
		}),
		Metrics: deviceMetrics,
		Logger:  logger.With("component", "router"),
	})
	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		deviceRouter.Run(ctx)
	}()
	endpoint.Handle(deviceRouter)
	detach := deviceRouter.Attach(client)
	defer detach()

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Client.ClientPort)))
	if err != nil {
		return fmt.Errorf("listening on client port: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/frame", endpoint)
	mux.Handle("/state", stateHandler(deviceRouter))
	mux.Handle("/metrics", metrics.Handler(registry))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(listener) }()
	logger.Info("device ready", "address", listener.Addr().String(), "ui_origin", cfg.ViteOrigin())

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveDone:
		return fmt.Errorf("client port server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutting down client port: %w", err)
	}
	<-routerDone
	logger.Info("shutdown complete")
	return nil
}

// snapshotter is the part of the router /state reads.
type snapshotter interface {
	Snapshot(ctx context.Context) (router.Snapshot, error)
}

func stateHandler(source snapshotter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := source.Snapshot(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
	})
}
