// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/deskthing/devrelay/lib/appchannel"
	"github.com/deskthing/devrelay/lib/netutil"
)

// outboxSize bounds downward messages waiting for the child to read.
const outboxSize = 256

// ExecSpawner runs the application command as a child process.
//
// The child runs in its own process group with stdio inherited, in
// Dir, with NODE_ENV=development and the channel environment
// (DESKTHING_IPC_FD, DESKTHING_APP_ID, SERVER_INDEX_PATH). The channel
// is one end of a socketpair, passed as file descriptor 3.
type ExecSpawner struct {
	Command   []string
	Dir       string
	AppID     string
	IndexPath string

	// Env is appended to the inherited environment.
	Env []string

	// Stdout and Stderr default to the supervisor's own.
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// Spawn implements Spawner.
func (s ExecSpawner) Spawn() (Child, error) {
	if len(s.Command) == 0 {
		return nil, errors.New("no application command configured")
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating application channel: %w", err)
	}
	parentEnd := os.NewFile(uintptr(fds[0]), "deskthing-ipc-parent")
	childEnd := os.NewFile(uintptr(fds[1]), "deskthing-ipc-child")

	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(),
		"NODE_ENV=development",
		appchannel.EnvFD+"="+strconv.Itoa(appchannel.ChildFD),
		appchannel.EnvAppID+"="+s.AppID,
		appchannel.EnvIndexPath+"="+s.IndexPath,
	)
	cmd.Env = append(cmd.Env, s.Env...)
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	// ExtraFiles[0] becomes fd 3 in the child.
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err = cmd.Start()
	childEnd.Close()
	if err != nil {
		parentEnd.Close()
		return nil, fmt.Errorf("starting %s: %w", s.Command[0], err)
	}

	logger := s.Logger.With("pid", cmd.Process.Pid)
	child := &execChild{
		cmd:      cmd,
		channel:  appchannel.New(parentEnd),
		messages: make(chan appchannel.Message, 64),
		outbox:   make(chan appchannel.Message, outboxSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go child.read()
	go child.write()
	go child.wait()
	return child, nil
}

// execChild is a child started by ExecSpawner.
type execChild struct {
	cmd      *exec.Cmd
	channel  *appchannel.Channel
	messages chan appchannel.Message
	outbox   chan appchannel.Message
	done     chan struct{}
	exit     ExitStatus
	logger   *slog.Logger
}

func (c *execChild) PID() int                            { return c.cmd.Process.Pid }
func (c *execChild) Messages() <-chan appchannel.Message { return c.messages }
func (c *execChild) Done() <-chan struct{}               { return c.done }
func (c *execChild) Exit() ExitStatus                    { return c.exit }

// Send implements Child.
func (c *execChild) Send(message appchannel.Message) error {
	select {
	case <-c.done:
		return errors.New("application has exited")
	default:
	}
	select {
	case c.outbox <- message:
		return nil
	default:
		return fmt.Errorf("application is not reading its channel (%d messages pending)", outboxSize)
	}
}

// Terminate implements Child.
func (c *execChild) Terminate() error {
	return c.signalGroup(unix.SIGTERM)
}

// Kill implements Child.
func (c *execChild) Kill() error {
	return c.signalGroup(unix.SIGKILL)
}

// signalGroup signals the child's process group; a group that has
// already gone is not an error.
func (c *execChild) signalGroup(signal unix.Signal) error {
	err := unix.Kill(-c.cmd.Process.Pid, signal)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("sending %s to process group %d: %w", unix.SignalName(signal), c.cmd.Process.Pid, err)
	}
	return nil
}

// read ends at EOF, once every holder of the child's end has exited.
func (c *execChild) read() {
	defer close(c.messages)
	defer c.channel.Close()
	for {
		message, err := c.channel.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && !netutil.IsExpectedCloseError(err) {
				c.logger.Warn("reading application channel failed", "error", err)
			}
			return
		}
		c.messages <- message
	}
}

func (c *execChild) write() {
	for {
		select {
		case <-c.done:
			return
		case message := <-c.outbox:
			if err := c.channel.Send(message); err != nil {
				if !netutil.IsExpectedCloseError(err) {
					c.logger.Warn("writing application channel failed", "type", message.Type, "error", err)
				}
				return
			}
		}
	}
}

func (c *execChild) wait() {
	err := c.cmd.Wait()
	c.exit = exitStatus(c.cmd.ProcessState, err)
	close(c.done)
}

func exitStatus(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Signal: fmt.Sprint(err)}
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return ExitStatus{Code: -1, Signal: unix.SignalName(status.Signal())}
	}
	return ExitStatus{Code: state.ExitCode()}
}
