// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the Prometheus collectors exported by the
// relay and the device. Each group registers on the Registerer passed
// to its constructor; nothing is registered globally, so tests create
// a fresh prometheus.NewRegistry per case.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deskthing"

// NewRegistry returns a registry with the Go runtime and process
// collectors, for the binaries.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry's collectors in the Prometheus text
// format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Relay holds server-side bus metrics.
type Relay struct {
	Peers            prometheus.Gauge
	FramesPublished  *prometheus.CounterVec
	FramesDropped    *prometheus.CounterVec
	FramesReceived   *prometheus.CounterVec
	DeliveryBacklog  prometheus.Gauge
	EnvelopesHandled *prometheus.CounterVec
	HandlerFailures  prometheus.Counter
}

// NewRelay creates and registers relay metrics on reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "peers",
			Help:      "Number of attached device connections.",
		}),
		FramesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_published_total",
			Help:      "Frames written to device connections, by event.",
		}, []string{"event"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Frames not delivered to a device, by reason.",
		}, []string{"reason"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_received_total",
			Help:      "Frames read from device connections, by event.",
		}, []string{"event"}),
		DeliveryBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "delivery_backlog",
			Help:      "Deliveries waiting for the delivery goroutine.",
		}),
		EnvelopesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handler",
			Name:      "envelopes_total",
			Help:      "Envelopes dispatched by the handler table, by type.",
		}, []string{"type"}),
		HandlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handler",
			Name:      "failures_total",
			Help:      "Envelopes dropped because their handler panicked.",
		}),
	}
	reg.MustRegister(m.Peers, m.FramesPublished, m.FramesDropped, m.FramesReceived,
		m.DeliveryBacklog, m.EnvelopesHandled, m.HandlerFailures)
	return m
}

// Supervisor holds application-process supervision metrics.
type Supervisor struct {
	Spawns      prometheus.Counter
	SpawnErrors prometheus.Counter
	Restarts    *prometheus.CounterVec
	Kills       prometheus.Counter
	State       *prometheus.GaugeVec
	FileChanges prometheus.Counter
	IPCMessages *prometheus.CounterVec
}

// NewSupervisor creates and registers supervisor metrics on reg.
func NewSupervisor(reg prometheus.Registerer) *Supervisor {
	m := &Supervisor{
		Spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "spawns_total",
			Help:      "Application processes started.",
		}),
		SpawnErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "spawn_errors_total",
			Help:      "Failed attempts to start the application process.",
		}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Application restarts, by cause (change or crash).",
		}, []string{"cause"}),
		Kills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "kills_total",
			Help:      "Children killed after ignoring SIGTERM for the grace period.",
		}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "1 for the current supervisor state, 0 for the others.",
		}, []string{"state"}),
		FileChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "file_changes_total",
			Help:      "Source change notifications received.",
		}),
		IPCMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "ipc_messages_total",
			Help:      "Messages on the application channel, by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.Spawns, m.SpawnErrors, m.Restarts, m.Kills, m.State,
		m.FileChanges, m.IPCMessages)
	return m
}

// Device holds client-side bus and router metrics.
type Device struct {
	Connected     prometheus.Gauge
	Reconnects    prometheus.Counter
	QueueDepth    prometheus.Gauge
	FramesSent    *prometheus.CounterVec
	FramesQueued  prometheus.Counter
	Routed        *prometheus.CounterVec
	UIConnections prometheus.Gauge
}

// NewDevice creates and registers device metrics on reg.
func NewDevice(reg prometheus.Registerer) *Device {
	m := &Device{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "connected",
			Help:      "1 while the relay connection is open.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after a close.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "outbound_queue_depth",
			Help:      "Frames waiting for the relay connection.",
		}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "frames_sent_total",
			Help:      "Frames written to the relay, by event.",
		}, []string{"event"}),
		FramesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "frames_queued_total",
			Help:      "Frames queued while the relay connection was unavailable.",
		}),
		Routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "envelopes_total",
			Help:      "Envelopes routed, by source and decision.",
		}, []string{"source", "decision"}),
		UIConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "ui_connected",
			Help:      "1 while an embedded UI is attached.",
		}),
	}
	reg.MustRegister(m.Connected, m.Reconnects, m.QueueDepth, m.FramesSent,
		m.FramesQueued, m.Routed, m.UIConnections)
	return m
}
