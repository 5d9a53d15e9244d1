// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deskthing/devrelay/lib/appchannel"
	"github.com/deskthing/devrelay/lib/bus"
	"github.com/deskthing/devrelay/lib/clock"
	"github.com/deskthing/devrelay/lib/envelope"
	"github.com/deskthing/devrelay/lib/metrics"
)

// Defaults for zero Config durations and counts.
const (
	DefaultDebounce        = 750 * time.Millisecond
	DefaultInitialScan     = time.Second
	DefaultShutdownGrace   = 3 * time.Second
	DefaultRespawnDelay    = time.Second
	DefaultMaxRespawnDelay = 30 * time.Second
	DefaultMaxRespawns     = 5
	DefaultStableAfter     = 10 * time.Second
)

// Child is a running application process.
type Child interface {
	PID() int

	// Messages delivers upward messages and is closed when the
	// channel to the child ends.
	Messages() <-chan appchannel.Message

	// Send queues a downward message. It never blocks.
	Send(message appchannel.Message) error

	// Terminate asks the child's process group to exit.
	Terminate() error

	// Kill ends the child's process group.
	Kill() error

	// Done is closed once the child has exited; Exit is valid after.
	Done() <-chan struct{}
	Exit() ExitStatus
}

// Spawner starts application processes.
type Spawner interface {
	Spawn() (Child, error)
}

// Watcher reports changed source paths.
type Watcher interface {
	Events() <-chan string
	Errors() <-chan error
	Close() error
}

// WatchFunc starts a Watcher. It is called once by Start.
type WatchFunc func() (Watcher, error)

// Bus is the relay side of the message bus.
type Bus interface {
	Subscribe(event string, callback bus.Callback) func()
	Deliver(event string, data any)
}

// Config configures a Supervisor.
type Config struct {
	AppID   string
	Spawner Spawner
	Bus     Bus

	// Watch is optional; without it only FileChanged triggers
	// restarts.
	Watch WatchFunc

	// Digest, if set, summarises the source tree for restart logs
	// and Status.
	Digest func() (string, error)

	Debounce        time.Duration
	InitialScan     time.Duration
	ShutdownGrace   time.Duration
	RespawnDelay    time.Duration
	MaxRespawnDelay time.Duration
	MaxRespawns     int
	StableAfter     time.Duration

	Clock   clock.Clock
	Metrics *metrics.Supervisor
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	setDuration := func(value *time.Duration, fallback time.Duration) {
		if *value <= 0 {
			*value = fallback
		}
	}
	setDuration(&c.Debounce, DefaultDebounce)
	setDuration(&c.InitialScan, DefaultInitialScan)
	setDuration(&c.ShutdownGrace, DefaultShutdownGrace)
	setDuration(&c.RespawnDelay, DefaultRespawnDelay)
	setDuration(&c.MaxRespawnDelay, DefaultMaxRespawnDelay)
	setDuration(&c.StableAfter, DefaultStableAfter)
	if c.MaxRespawns <= 0 {
		c.MaxRespawns = DefaultMaxRespawns
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

type timerKind int

const (
	timerDebounce timerKind = iota
	timerGrace
	timerRespawn
	timerStable
	timerKinds
)

// Supervisor is the process supervisor. Create with New, run with
// Start, end with Stop.
type Supervisor struct {
	config Config
	logger *slog.Logger

	inbox     chan func()
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	stopping  chan struct{}

	// Everything below is owned by the loop goroutine.
	state        State
	child        Child
	generation   uint64
	terminating  bool
	shuttingDown bool
	finished     bool
	scanUntil    time.Time
	startedAt    time.Time
	restarts     int
	failures     int
	lastExit     *ExitStatus
	digest       string
	watcher      Watcher
	unsubscribe  func()
	timers       [timerKinds]*clock.Timer
	timerSeq     [timerKinds]uint64
}

// New returns a stopped Supervisor.
func New(config Config) *Supervisor {
	config.applyDefaults()
	return &Supervisor{
		config:   config,
		logger:   config.Logger.With("app_id", config.AppID),
		inbox:    make(chan func(), 64),
		done:     make(chan struct{}),
		stopping: make(chan struct{}),
	}
}

// Start spawns the application, starts watching, and subscribes
// app:data for the child. It returns once the first spawn has been
// attempted; a failed spawn leaves the supervisor Errored, not
// stopped. Cancelling ctx stops the supervisor.
func (s *Supervisor) Start(ctx context.Context) error {
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("supervisor: already started")
	}

	ready := make(chan struct{})
	go s.loop(ctx, ready)
	select {
	case <-ready:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// FileChanged reports a changed source path.
func (s *Supervisor) FileChanged(path string) {
	s.post(func() { s.fileChanged(path) })
}

// Status returns a snapshot, served by the loop.
func (s *Supervisor) Status() (Status, error) {
	reply := make(chan Status, 1)
	if !s.post(func() { reply <- s.snapshot() }) {
		return Status{AppID: s.config.AppID, State: Stopped}, ErrStopped
	}
	select {
	case status := <-reply:
		return status, nil
	case <-s.done:
		return Status{AppID: s.config.AppID, State: Stopped}, ErrStopped
	}
}

// State returns the current state, Stopped once the loop has exited.
func (s *Supervisor) State() State {
	status, _ := s.Status()
	return status.State
}

// Stop cancels timers, closes the watcher, and terminates the child,
// killing it after the shutdown grace. It returns when the loop has
// exited. Idempotent.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopping) })
	started := true
	s.startOnce.Do(func() { started = false })
	if !started {
		close(s.done)
		return
	}
	<-s.done
}

// post queues f on the loop. It reports false once the loop has exited.
func (s *Supervisor) post(f func()) bool {
	select {
	case s.inbox <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *Supervisor) loop(ctx context.Context, ready chan<- struct{}) {
	defer close(s.done)

	s.scanUntil = s.config.Clock.Now().Add(s.config.InitialScan)
	s.unsubscribe = s.config.Bus.Subscribe(envelope.EventAppData, s.forwardDown)
	if s.config.Watch != nil {
		watcher, err := s.config.Watch()
		if err != nil {
			s.logger.Error("watching sources failed; restarts on change are disabled", "error", err)
		} else {
			s.watcher = watcher
		}
	}
	s.refreshDigest()
	s.spawn()
	close(ready)

	var watchEvents <-chan string
	var watchErrors <-chan error
	if s.watcher != nil {
		watchEvents, watchErrors = s.watcher.Events(), s.watcher.Errors()
	}
	stopping := s.stopping
	contextDone := ctx.Done()

	for !s.finished {
		select {
		case f := <-s.inbox:
			f()
		case path, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			s.fileChanged(path)
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			s.logger.Warn("source watcher error", "error", err)
		case <-stopping:
			stopping = nil
			s.beginShutdown()
		case <-contextDone:
			contextDone = nil
			s.beginShutdown()
		}
	}
}

// forwardDown runs on the bus delivery goroutine.
func (s *Supervisor) forwardDown(data any) {
	var message envelope.Envelope
	switch value := data.(type) {
	case envelope.Envelope:
		message = value
	case *envelope.Envelope:
		message = *value
	case map[string]any:
		message = envelope.FromMap(value)
	default:
		s.logger.Warn("dropping app:data with unexpected shape", "data_type", fmt.Sprintf("%T", data))
		return
	}
	s.post(func() {
		if s.child == nil || s.terminating {
			s.logger.Debug("no running application, app:data dropped", "type", message.Type, "request", message.Request)
			return
		}
		if err := s.child.Send(appchannel.Message{Type: appchannel.TypeAppData, Envelope: &message}); err != nil {
			s.logger.Warn("sending to application failed", "type", message.Type, "error", err)
			return
		}
		s.config.Metrics.IPCMessages.WithLabelValues("down").Inc()
	})
}

func (s *Supervisor) setState(state State) {
	if s.state == state {
		return
	}
	s.config.Metrics.State.WithLabelValues(s.state.String()).Set(0)
	s.config.Metrics.State.WithLabelValues(state.String()).Set(1)
	s.logger.Debug("supervisor state", "from", s.state.String(), "to", state.String())
	s.state = state
}

func (s *Supervisor) snapshot() Status {
	status := Status{
		AppID:               s.config.AppID,
		State:               s.state,
		StartedAt:           s.startedAt,
		Restarts:            s.restarts,
		ConsecutiveFailures: s.failures,
		LastExit:            s.lastExit,
		SourceDigest:        s.digest,
	}
	if s.child != nil {
		status.PID = s.child.PID()
	}
	return status
}

func (s *Supervisor) refreshDigest() {
	if s.config.Digest == nil {
		return
	}
	digest, err := s.config.Digest()
	if err != nil {
		s.logger.Warn("digesting sources failed", "error", err)
		return
	}
	s.digest = digest
}

func (s *Supervisor) shortDigest() string {
	if len(s.digest) > 12 {
		return s.digest[:12]
	}
	return s.digest
}

func (s *Supervisor) spawn() {
	s.setState(Starting)
	child, err := s.config.Spawner.Spawn()
	if err != nil {
		s.config.Metrics.SpawnErrors.Inc()
		s.logger.Error("starting application failed", "error", err)
		s.failed()
		return
	}

	s.generation++
	generation := s.generation
	s.child = child
	s.terminating = false
	s.startedAt = s.config.Clock.Now()
	s.config.Metrics.Spawns.Inc()
	s.logger.Info("application started", "pid", child.PID(), "source_digest", s.shortDigest())

	go s.relayUp(child)
	go func() {
		<-child.Done()
		s.post(func() { s.childExited(generation, child.Exit()) })
	}()

	s.setState(Running)
	s.arm(timerStable, s.config.StableAfter, func() {
		if s.failures > 0 {
			s.logger.Debug("application stable, failure count reset", "failures", s.failures)
		}
		s.failures = 0
	})
}

// relayUp delivers the child's messages to the bus until its channel
// closes.
func (s *Supervisor) relayUp(child Child) {
	for message := range child.Messages() {
		s.config.Metrics.IPCMessages.WithLabelValues("up").Inc()
		switch message.Type {
		case appchannel.TypeLog:
			s.config.Bus.Deliver(envelope.EventServerLog, message.Log)
		case appchannel.TypeData:
			if message.Envelope == nil {
				s.logger.Warn("application sent server:data without an envelope")
				continue
			}
			s.config.Bus.Deliver(envelope.EventServerData, *message.Envelope)
		default:
			s.logger.Warn("unknown message from application", "type", message.Type)
		}
	}
}

func (s *Supervisor) fileChanged(path string) {
	if s.shuttingDown {
		return
	}
	s.config.Metrics.FileChanges.Inc()
	if s.config.Clock.Now().Before(s.scanUntil) {
		s.logger.Debug("ignoring change during initial scan", "path", path)
		return
	}
	s.logger.Debug("source changed", "path", path)
	if s.state != Restarting {
		s.setState(RestartPending)
	}
	// The debounced restart replaces any crash respawn.
	s.disarm(timerRespawn)
	s.arm(timerDebounce, s.config.Debounce, s.debounceElapsed)
}

func (s *Supervisor) debounceElapsed() {
	if s.state == Restarting {
		// A change arrived while the old child was still exiting.
		s.arm(timerDebounce, s.config.Debounce, s.debounceElapsed)
		return
	}
	s.failures = 0
	s.disarm(timerRespawn)
	s.restarts++
	s.config.Metrics.Restarts.WithLabelValues("change").Inc()
	previous := s.digest
	s.refreshDigest()
	s.logger.Info("sources changed, restarting application",
		"source_digest", s.shortDigest(), "digest_changed", previous != s.digest)

	if s.child == nil {
		s.spawn()
		return
	}
	s.setState(Restarting)
	s.terminate()
}

// terminate signals the child and arms the kill timer.
func (s *Supervisor) terminate() {
	s.terminating = true
	s.disarm(timerStable)
	if err := s.child.Terminate(); err != nil {
		s.logger.Warn("terminating application failed", "pid", s.child.PID(), "error", err)
	}
	s.armGrace()
}

func (s *Supervisor) armGrace() {
	child := s.child
	s.arm(timerGrace, s.config.ShutdownGrace, func() {
		if s.child != child {
			return
		}
		s.logger.Warn("application ignored SIGTERM, killing", "pid", child.PID(), "grace", s.config.ShutdownGrace)
		s.config.Metrics.Kills.Inc()
		if err := child.Kill(); err != nil {
			s.logger.Error("killing application failed", "pid", child.PID(), "error", err)
		}
	})
}

func (s *Supervisor) childExited(generation uint64, exit ExitStatus) {
	if generation != s.generation || s.child == nil {
		return
	}
	expected := s.terminating
	s.child = nil
	s.terminating = false
	s.lastExit = &exit
	s.disarm(timerGrace)
	s.disarm(timerStable)

	switch {
	case s.shuttingDown:
		s.logger.Info("application stopped", "exit", exit.String())
		s.finish()
	case expected:
		s.logger.Debug("application exited for restart", "exit", exit.String())
		s.spawn()
	default:
		s.logger.Error("application exited unexpectedly", "exit", exit.String(), "code", exit.Code, "signal", exit.Signal)
		s.restarts++
		s.config.Metrics.Restarts.WithLabelValues("crash").Inc()
		s.failed()
	}
}

// failed records one consecutive failure and schedules a respawn
// unless the budget is spent.
func (s *Supervisor) failed() {
	s.setState(Errored)
	s.failures++
	if s.failures >= s.config.MaxRespawns {
		s.logger.Error("application keeps failing; waiting for a source change",
			"consecutive_failures", s.failures)
		return
	}
	delay := backoff(s.config.RespawnDelay, s.config.MaxRespawnDelay, s.failures)
	s.logger.Info("respawning application", "delay", delay, "consecutive_failures", s.failures)
	s.arm(timerRespawn, delay, s.spawn)
}

// backoff returns base * 2^(attempt-1), capped at limit.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return min(delay, limit)
}

func (s *Supervisor) beginShutdown() {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	for kind := range timerKinds {
		s.disarm(kind)
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.logger.Warn("closing source watcher failed", "error", err)
		}
	}
	if s.child == nil {
		s.finish()
		return
	}
	s.logger.Info("stopping application", "pid", s.child.PID())
	if !s.terminating {
		s.terminate()
		return
	}
	// Already terminating for a restart; the grace timer was cancelled
	// with the others.
	s.armGrace()
}

func (s *Supervisor) finish() {
	s.setState(Stopped)
	s.finished = true
}

// arm replaces the timer of kind with one running f on the loop after
// d.
func (s *Supervisor) arm(kind timerKind, d time.Duration, f func()) {
	s.disarm(kind)
	seq := s.timerSeq[kind]
	s.timers[kind] = s.config.Clock.AfterFunc(d, func() {
		s.post(func() {
			if s.timerSeq[kind] != seq {
				return
			}
			s.timers[kind] = nil
			s.timerSeq[kind]++
			f()
		})
	})
}

// disarm cancels the timer of kind. A callback already queued sees a
// newer sequence number and does nothing.
func (s *Supervisor) disarm(kind timerKind) {
	if s.timers[kind] != nil {
		s.timers[kind].Stop()
		s.timers[kind] = nil
	}
	s.timerSeq[kind]++
}
