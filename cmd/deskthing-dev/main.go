// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// deskthing-dev is the development relay for a DeskThing application.
//
// It runs the application's server side as a supervised child process,
// restarting it when its sources change, and relays envelopes between
// that child and emulated devices (see deskthing-device) connected to
// the link port. Envelopes the application addresses to the DeskThing
// server itself (settings, data, logs, browser links) are answered
// locally from an in-memory record, so the application behaves as it
// would under the real server.
//
// The link port serves:
//
//	/         device websocket
//	/status   supervisor state as JSON
//	/metrics  Prometheus metrics
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/deskthing/devrelay/lib/applog"
	"github.com/deskthing/devrelay/lib/config"
	"github.com/deskthing/devrelay/lib/handler"
	"github.com/deskthing/devrelay/lib/manifest"
	"github.com/deskthing/devrelay/lib/metrics"
	"github.com/deskthing/devrelay/lib/process"
	"github.com/deskthing/devrelay/lib/relay"
	"github.com/deskthing/devrelay/lib/services"
	"github.com/deskthing/devrelay/lib/supervisor"
	"github.com/deskthing/devrelay/lib/version"
	"github.com/deskthing/devrelay/lib/watcher"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		appRoot     string
		linkPort    int
		logLevel    string
		logFormat   string
		noWatch     bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("deskthing-dev", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file (default: $"+config.EnvConfig+", then ./"+config.DefaultFile+" if present)")
	flagSet.StringVar(&appRoot, "app", "", "application directory (overrides app.root)")
	flagSet.IntVar(&linkPort, "link-port", 0, "port devices connect to (overrides client.linkPort)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn, error or silent (overrides logging.level)")
	flagSet.StringVar(&logFormat, "log-format", "", "json or text (overrides logging.format)")
	flagSet.BoolVar(&noWatch, "no-watch", false, "do not restart the application on source changes")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("deskthing-dev %s\n", version.Info())
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
	if appRoot != "" {
		cfg.App.Root = appRoot
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
	return serve(ctx, cfg, !noWatch, logger)
}

func serve(ctx context.Context, cfg *config.Config, watch bool, logger *slog.Logger) error {
	root, err := filepath.Abs(cfg.App.Root)
	if err != nil {
		return fmt.Errorf("resolving app root: %w", err)
	}
	app, err := manifest.Load(root, logger)
	if err != nil {
		return err
	}
	logger = logger.With("app_id", app.ID)
	logger.Info("starting deskthing-dev",
		"version", version.Info(),
		"app_root", root,
		"link_port", cfg.Client.LinkPort,
	)

	registry := metrics.NewRegistry()
	relayMetrics := metrics.NewRelay(registry)

	bus := relay.New(relay.Config{
		Metrics: relayMetrics,
		Logger:  logger.With("component", "relay"),
	})
	printer := applog.New(os.Stdout, applog.Options{
		Color:    applog.ColorMode(cfg.Logging.Color),
		MaxWidth: cfg.Logging.MaxWidth,
	})
	table := handler.New(handler.Config{
		AppID:         app.ID,
		Manifest:      app.Payload(),
		MockSettings:  cfg.Server.MockData.Settings,
		MockInput:     cfg.Server.MockData.Input,
		SettingsDelay: cfg.SettingsDelay(),
		Bus:           bus,
		Opener:        handler.BrowserOpener{},
		Printer:       printer,
		Metrics:       relayMetrics,
		Logger:        logger.With("component", "handler"),
	})
	detach := table.Attach(bus)
	defer detach()
	defer table.Close()

	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		bus.Run(ctx)
	}()

	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Client.LinkPort)))
	if err != nil {
		return fmt.Errorf("listening on link port: %w", err)
	}

	watchRoot := filepath.Join(root, filepath.FromSlash(cfg.App.WatchDir))
	initialScan, shutdownGrace, respawnDelay, maxRespawnDelay, stableAfter := cfg.Supervisor.Durations()
	supervisorConfig := supervisor.Config{
		AppID: app.ID,
		Spawner: supervisor.ExecSpawner{
			Command:   cfg.App.Command,
			Dir:       root,
			AppID:     app.ID,
			IndexPath: filepath.Join(root, filepath.FromSlash(cfg.App.Index)),
			Logger:    logger.With("component", "app"),
		},
		Bus: bus,
		Digest: func() (string, error) {
			return watcher.Digest(watchRoot, cfg.App.Extensions, cfg.App.Ignore)
		},
		Debounce:        cfg.EditCooldown(),
		InitialScan:     initialScan,
		ShutdownGrace:   shutdownGrace,
		RespawnDelay:    respawnDelay,
		MaxRespawnDelay: maxRespawnDelay,
		MaxRespawns:     cfg.Supervisor.MaxRespawns,
		StableAfter:     stableAfter,
		Metrics:         metrics.NewSupervisor(registry),
		Logger:          logger.With("component", "supervisor"),
	}
	if watch {
		supervisorConfig.Watch = func() (supervisor.Watcher, error) {
			w, err := watcher.New(watcher.Config{
				Root:       watchRoot,
				Extensions: cfg.App.Extensions,
				Ignore:     cfg.App.Ignore,
				Logger:     logger.With("component", "watcher"),
			})
			if err != nil {
				return nil, err
			}
			return w, nil
		}
	}
	sup := supervisor.New(supervisorConfig)

	mux := http.NewServeMux()
	mux.Handle("/", bus)
	mux.Handle("/status", statusHandler(sup, bus))
	mux.Handle("/metrics", metrics.Handler(registry))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(listener) }()

	if err := sup.Start(ctx); err != nil {
		server.Close()
		return fmt.Errorf("starting supervisor: %w", err)
	}
	go services.Run(ctx, services.Config{
		RefreshInterval: cfg.RefreshInterval(),
		Bus:             bus,
		Logger:          logger.With("component", "services"),
	})

	logger.Info("relay ready", "address", listener.Addr().String())

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveDone:
		sup.Stop()
		return fmt.Errorf("link port server: %w", err)
	}

	sup.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutting down link port: %w", err)
	}
	<-busDone
	logger.Info("shutdown complete")
	return nil
}
