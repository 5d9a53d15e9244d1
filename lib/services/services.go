// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package services runs the relay's simulated device services: the
// periodic time push to the device and the periodic music refresh
// request to the application.
package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/deskthing/devrelay/lib/clock"
	"github.com/deskthing/devrelay/lib/envelope"
)

// DefaultTimeInterval is how often the device clock is set.
const DefaultTimeInterval = 15 * time.Second

// Bus is the relay side of the message bus.
type Bus interface {
	Publish(event string, data any)
	Deliver(event string, data any)
}

// Config configures Run.
type Config struct {
	TimeInterval time.Duration

	// RefreshInterval, when positive, asks the application to refresh
	// its music state this often.
	RefreshInterval time.Duration

	Bus    Bus
	Clock  clock.Clock
	Logger *slog.Logger
}

// Run pushes the time immediately and then on every interval, and
// requests music refreshes, until ctx is cancelled.
func Run(ctx context.Context, config Config) error {
	if config.TimeInterval <= 0 {
		config.TimeInterval = DefaultTimeInterval
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	timeTicker := config.Clock.NewTicker(config.TimeInterval)
	defer timeTicker.Stop()

	var refresh <-chan time.Time
	if config.RefreshInterval > 0 {
		refreshTicker := config.Clock.NewTicker(config.RefreshInterval)
		defer refreshTicker.Stop()
		refresh = refreshTicker.C
		config.Logger.Info("music refresh enabled", "interval", config.RefreshInterval)
	}

	pushTime(config.Bus, config.Clock.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timeTicker.C:
			pushTime(config.Bus, config.Clock.Now())
		case <-refresh:
			config.Bus.Deliver(envelope.EventAppData, envelope.Envelope{
				Type:    envelope.TypeGet,
				Request: "refresh",
			})
		}
	}
}

// TimeEnvelope is the device clock update for now: UTC milliseconds
// and the local zone's offset in minutes behind UTC.
func TimeEnvelope(now time.Time) envelope.Envelope {
	_, offsetSeconds := now.Zone()
	return envelope.Envelope{
		Type:    envelope.TypeTime,
		App:     envelope.ClientApp,
		Request: envelope.TypeSet,
		Payload: map[string]any{
			"utcTime":        now.UnixMilli(),
			"timezoneOffset": -offsetSeconds / 60,
		},
	}
}

func pushTime(bus Bus, now time.Time) {
	bus.Publish(envelope.EventClientRequest, TimeEnvelope(now))
}
