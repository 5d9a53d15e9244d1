// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvConfig names the config file when --config is not given.
const EnvConfig = "DESKTHING_CONFIG"

// DefaultFile is loaded from the working directory when neither
// --config nor DESKTHING_CONFIG is set.
const DefaultFile = "deskthing.config.jsonc"

// levelSilent sorts above every level slog emits.
const levelSilent = slog.Level(12)

// Config is the development configuration.
type Config struct {
	Logging    Logging    `json:"logging" yaml:"logging"`
	Client     Client     `json:"client" yaml:"client"`
	Server     Server     `json:"server" yaml:"server"`
	App        App        `json:"app" yaml:"app"`
	Supervisor Supervisor `json:"supervisor" yaml:"supervisor"`
}

// Logging configures both the process log and the application log
// printer.
type Logging struct {
	// Level is debug, info, warn, error or silent.
	Level string `json:"level" yaml:"level"`

	// Format is json or text.
	Format string `json:"format" yaml:"format"`

	// Color is auto, always or never. Applies to application log
	// lines only.
	Color string `json:"color" yaml:"color"`

	// MaxWidth truncates application log lines. Zero disables.
	MaxWidth int `json:"maxWidth" yaml:"maxWidth"`
}

// Client configures the emulated device and its links to the relay and
// the Vite dev server.
type Client struct {
	ClientPort       int    `json:"clientPort" yaml:"clientPort"`
	LinkPort         int    `json:"linkPort" yaml:"linkPort"`
	ViteLocation     string `json:"viteLocation" yaml:"viteLocation"`
	VitePort         int    `json:"vitePort" yaml:"vitePort"`
	ReconnectDelayMs int    `json:"reconnectDelayMs" yaml:"reconnectDelayMs"`
}

// Server configures the relay.
type Server struct {
	// EditCooldownMs is the quiet period after the last source change
	// before the application restarts.
	EditCooldownMs int `json:"editCooldownMs" yaml:"editCooldownMs"`

	// SettingsDelayMs is how long a settings write waits before the
	// merged settings are echoed back.
	SettingsDelayMs int `json:"settingsDelayMs" yaml:"settingsDelayMs"`

	// RefreshInterval, in seconds, asks the application to refresh its
	// music state. Zero disables.
	RefreshInterval int `json:"refreshInterval" yaml:"refreshInterval"`

	MockData MockData `json:"mockData" yaml:"mockData"`
}

// MockData replaces values the application would otherwise get from a
// real device.
type MockData struct {
	// Settings maps setting ids to the value forced onto them.
	Settings map[string]any `json:"settings" yaml:"settings"`

	// Input maps input field names to get/input answers.
	Input map[string]any `json:"input" yaml:"input"`
}

// App describes the application under development.
type App struct {
	// Root is the application directory. public/manifest.json is read
	// from here and the command runs here.
	Root string `json:"root" yaml:"root"`

	// Command starts the application's server side.
	Command []string `json:"command" yaml:"command"`

	// Index is the server entry point, relative to Root. It is passed
	// to the application as SERVER_INDEX_PATH.
	Index string `json:"index" yaml:"index"`

	// WatchDir is the directory watched for changes, relative to Root.
	WatchDir string `json:"watchDir" yaml:"watchDir"`

	// Extensions selects which changed files restart the application.
	Extensions []string `json:"extensions" yaml:"extensions"`

	// Ignore lists directory names skipped while watching.
	Ignore []string `json:"ignore" yaml:"ignore"`
}

// Supervisor configures the restart policy.
type Supervisor struct {
	InitialScanMs     int `json:"initialScanMs" yaml:"initialScanMs"`
	ShutdownGraceMs   int `json:"shutdownGraceMs" yaml:"shutdownGraceMs"`
	RespawnDelayMs    int `json:"respawnDelayMs" yaml:"respawnDelayMs"`
	MaxRespawnDelayMs int `json:"maxRespawnDelayMs" yaml:"maxRespawnDelayMs"`
	MaxRespawns       int `json:"maxRespawns" yaml:"maxRespawns"`
	StableAfterMs     int `json:"stableAfterMs" yaml:"stableAfterMs"`
}

// Default returns the configuration used when no file is loaded.
func Default() *Config {
	return &Config{
		Logging: Logging{
			Level:  "info",
			Format: "text",
			Color:  "auto",
		},
		Client: Client{
			ClientPort:       3000,
			LinkPort:         8080,
			ViteLocation:     "http://localhost",
			VitePort:         5173,
			ReconnectDelayMs: 2000,
		},
		Server: Server{
			EditCooldownMs:  750,
			SettingsDelayMs: 1000,
		},
		App: App{
			Root:       ".",
			Command:    []string{"go", "run", "./server"},
			Index:      "server/index.ts",
			WatchDir:   "server",
			Extensions: []string{".ts", ".tsx", ".js", ".mjs", ".go"},
			Ignore:     []string{"node_modules", ".git", "dist", "build"},
		},
		Supervisor: Supervisor{
			InitialScanMs:     1000,
			ShutdownGraceMs:   3000,
			RespawnDelayMs:    1000,
			MaxRespawnDelayMs: 30000,
			MaxRespawns:       5,
			StableAfterMs:     10000,
		},
	}
}

// Resolve returns the config file to load, or "" for defaults only.
// An explicitly named file must exist; the working-directory default
// is used only if present.
func Resolve(flagPath string) (string, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return path, nil
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return DefaultFile, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("config file: %w", err)
	}
	return "", nil
}

// Load decodes path over the defaults and validates the result. An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", displayPath(path), err)
	}
	return cfg, nil
}

func displayPath(path string) string {
	if path == "" {
		return "(defaults)"
	}
	return path
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	return nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	check(c.Logging.Format == "json" || c.Logging.Format == "text",
		"logging.format must be json or text, got %q", c.Logging.Format)
	check(c.Logging.Color == "auto" || c.Logging.Color == "always" || c.Logging.Color == "never",
		"logging.color must be auto, always or never, got %q", c.Logging.Color)
	check(c.Logging.MaxWidth >= 0, "logging.maxWidth must not be negative")

	for name, port := range map[string]int{
		"client.clientPort": c.Client.ClientPort,
		"client.linkPort":   c.Client.LinkPort,
		"client.vitePort":   c.Client.VitePort,
	} {
		check(port > 0 && port < 65536, "%s must be between 1 and 65535, got %d", name, port)
	}
	if c.Client.ClientPort == c.Client.LinkPort {
		errs = append(errs, fmt.Errorf("client.clientPort and client.linkPort are both %d", c.Client.LinkPort))
	}
	if location, err := url.Parse(c.Client.ViteLocation); err != nil || (location.Scheme != "http" && location.Scheme != "https") || location.Host == "" {
		errs = append(errs, fmt.Errorf("client.viteLocation must be an http(s) URL, got %q", c.Client.ViteLocation))
	}

	for name, ms := range map[string]int{
		"client.reconnectDelayMs":      c.Client.ReconnectDelayMs,
		"server.editCooldownMs":        c.Server.EditCooldownMs,
		"server.settingsDelayMs":       c.Server.SettingsDelayMs,
		"server.refreshInterval":       c.Server.RefreshInterval,
		"supervisor.initialScanMs":     c.Supervisor.InitialScanMs,
		"supervisor.shutdownGraceMs":   c.Supervisor.ShutdownGraceMs,
		"supervisor.respawnDelayMs":    c.Supervisor.RespawnDelayMs,
		"supervisor.maxRespawnDelayMs": c.Supervisor.MaxRespawnDelayMs,
		"supervisor.stableAfterMs":     c.Supervisor.StableAfterMs,
	} {
		check(ms >= 0, "%s must not be negative, got %d", name, ms)
	}
	check(c.Supervisor.MaxRespawns > 0, "supervisor.maxRespawns must be positive, got %d", c.Supervisor.MaxRespawns)
	check(c.Supervisor.MaxRespawnDelayMs >= c.Supervisor.RespawnDelayMs,
		"supervisor.maxRespawnDelayMs (%d) is below supervisor.respawnDelayMs (%d)",
		c.Supervisor.MaxRespawnDelayMs, c.Supervisor.RespawnDelayMs)

	check(len(c.App.Command) > 0 && c.App.Command[0] != "", "app.command must name a program")
	check(c.App.Root != "", "app.root must be set")
	check(len(c.App.Extensions) > 0, "app.extensions must not be empty")
	for _, ext := range c.App.Extensions {
		check(strings.HasPrefix(ext, "."), "app.extensions entry %q must start with a dot", ext)
	}

	return errors.Join(errs...)
}

// ViteOrigin is the origin the embedded UI is served from, without a
// trailing slash.
func (c *Config) ViteOrigin() string {
	return strings.TrimSuffix(c.Client.ViteLocation, "/") + ":" + strconv.Itoa(c.Client.VitePort)
}

// RelayURL is the websocket address the device dials.
func (c *Config) RelayURL() string {
	return "ws://localhost:" + strconv.Itoa(c.Client.LinkPort) + "/"
}

// ReconnectDelay is Client.ReconnectDelayMs as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return ms(c.Client.ReconnectDelayMs)
}

// EditCooldown is Server.EditCooldownMs as a duration.
func (c *Config) EditCooldown() time.Duration {
	return ms(c.Server.EditCooldownMs)
}

// SettingsDelay is Server.SettingsDelayMs as a duration.
func (c *Config) SettingsDelay() time.Duration {
	return ms(c.Server.SettingsDelayMs)
}

// RefreshInterval is Server.RefreshInterval as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Server.RefreshInterval) * time.Second
}

// Durations returns the supervisor timings.
func (s Supervisor) Durations() (initialScan, shutdownGrace, respawnDelay, maxRespawnDelay, stableAfter time.Duration) {
	return ms(s.InitialScanMs), ms(s.ShutdownGraceMs), ms(s.RespawnDelayMs), ms(s.MaxRespawnDelayMs), ms(s.StableAfterMs)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// NewLogger returns a logger writing to w in the configured format at
// the configured level.
func (l Logging) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, options)), nil
	}
	return slog.New(slog.NewTextHandler(w, options)), nil
}

func parseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "silent":
		return levelSilent, nil
	}
	return 0, fmt.Errorf("logging.level must be debug, info, warn, error or silent, got %q", name)
}
