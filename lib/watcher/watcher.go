// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultExtensions are the source extensions watched when none are
// configured.
var DefaultExtensions = []string{".ts", ".tsx", ".js", ".mjs", ".go"}

// DefaultIgnore are directory names never descended into.
var DefaultIgnore = []string{"node_modules", ".git", "dist", "build"}

const watchMask = unix.IN_CLOSE_WRITE | unix.IN_CREATE | unix.IN_DELETE |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_MODIFY

// Config configures a Watcher.
type Config struct {
	Root string

	// Extensions filters reported files by suffix. Empty means
	// DefaultExtensions.
	Extensions []string

	// Ignore lists directory names to skip. Nil means DefaultIgnore.
	Ignore []string

	Logger *slog.Logger
}

// Watcher delivers changed file paths under a root.
type Watcher struct {
	fd         int
	root       string
	extensions []string
	ignore     []string
	logger     *slog.Logger

	// watches maps watch descriptors to directories. Owned by the
	// read loop after New returns.
	watches map[int32]string

	events chan string
	errors chan error
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New starts watching config.Root recursively.
func New(config Config) (*Watcher, error) {
	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving watch root %s: %w", config.Root, err)
	}
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	w := &Watcher{
		fd:         fd,
		root:       root,
		extensions: config.Extensions,
		ignore:     config.Ignore,
		logger:     config.Logger,
		watches:    make(map[int32]string),
		events:     make(chan string, 64),
		errors:     make(chan error, 8),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if len(w.extensions) == 0 {
		w.extensions = DefaultExtensions
	}
	if w.ignore == nil {
		w.ignore = DefaultIgnore
	}
	if err := w.addTree(root, false); err != nil {
		unix.Close(fd)
		return nil, err
	}
	go w.readLoop()
	return w, nil
}

// Events delivers absolute paths of changed source files.
func (w *Watcher) Events() <-chan string { return w.events }

// Errors delivers non-fatal watch errors.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Close stops the watcher and releases the inotify descriptor. Safe
// to call more than once.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.stop) })
	<-w.done
	return nil
}

// Matches reports whether path has one of extensions.
func Matches(path string, extensions []string) bool {
	extension := filepath.Ext(path)
	return extension != "" && slices.Contains(extensions, extension)
}

// addTree watches directory and every directory beneath it. When
// report is set, matching files found during the walk are delivered:
// they may have been written before their directory's watch existed.
func (w *Watcher) addTree(directory string, report bool) error {
	return filepath.WalkDir(directory, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == directory {
				return fmt.Errorf("walking %s: %w", path, err)
			}
			w.logger.Debug("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if !entry.IsDir() {
			if report && Matches(path, w.extensions) {
				w.deliver(path)
			}
			return nil
		}
		if path != w.root && slices.Contains(w.ignore, entry.Name()) {
			return filepath.SkipDir
		}
		descriptor, err := unix.InotifyAddWatch(w.fd, path, watchMask)
		if err != nil {
			if path == directory {
				return fmt.Errorf("inotify_add_watch on %s: %w", path, err)
			}
			w.logger.Warn("cannot watch directory", "path", path, "error", err)
			return nil
		}
		w.watches[int32(descriptor)] = path
		return nil
	})
}

func (w *Watcher) deliver(path string) {
	select {
	case w.events <- path:
	default:
	}
}

func (w *Watcher) report(err error) {
	select {
	case w.errors <- err:
	default:
		w.logger.Warn("watch error dropped", "error", err)
	}
}

// readLoop polls the inotify descriptor with a 100ms timeout so Close
// is observed promptly.
func (w *Watcher) readLoop() {
	defer close(w.done)
	defer unix.Close(w.fd)

	buffer := make([]byte, 64*1024)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		descriptors := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
		count, err := unix.Poll(descriptors, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			w.report(fmt.Errorf("polling inotify: %w", err))
			return
		}
		if count == 0 {
			continue
		}

		read, err := unix.Read(w.fd, buffer)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			w.report(fmt.Errorf("reading inotify: %w", err))
			return
		}
		w.handle(buffer[:read])
	}
}

// handle walks a buffer of raw inotify events:
//
//	struct inotify_event {
//	    int32_t  wd;     // offset 0
//	    uint32_t mask;   // offset 4
//	    uint32_t cookie; // offset 8
//	    uint32_t len;    // offset 12
//	    char     name[]; // offset 16, null padded
//	};
func (w *Watcher) handle(buffer []byte) {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		descriptor := int32(binary.NativeEndian.Uint32(buffer[offset : offset+4]))
		mask := binary.NativeEndian.Uint32(buffer[offset+4 : offset+8])
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		size := unix.SizeofInotifyEvent + nameLength
		if offset+size > len(buffer) {
			break
		}
		name := nullTerminated(buffer[offset+unix.SizeofInotifyEvent : offset+size])
		offset += size

		if mask&unix.IN_Q_OVERFLOW != 0 {
			w.report(errors.New("inotify queue overflowed; changes may have been missed"))
			w.deliver(w.root)
			continue
		}
		if mask&unix.IN_IGNORED != 0 {
			delete(w.watches, descriptor)
			continue
		}
		directory, ok := w.watches[descriptor]
		if !ok || name == "" {
			continue
		}
		path := filepath.Join(directory, name)
		if mask&unix.IN_ISDIR != 0 {
			if mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 && !slices.Contains(w.ignore, name) {
				if err := w.addTree(path, true); err != nil {
					w.report(err)
				}
			}
			continue
		}
		if Matches(path, w.extensions) && !w.ignored(path) {
			w.deliver(path)
		}
	}
}

// ignored reports whether path lies under an ignored directory.
func (w *Watcher) ignored(path string) bool {
	relative, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.Dir(relative), string(os.PathSeparator)) {
		if slices.Contains(w.ignore, part) {
			return true
		}
	}
	return false
}

func nullTerminated(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
