// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deskthing/devrelay/lib/testutil"
)

const timeout = 5 * time.Second

func startWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	w, err := New(Config{
		Root:   root,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestReportsMatchingFilesOnly(t *testing.T) {
	root := testutil.WriteTree(t, map[string]string{
		"server/index.ts": "export {}",
		"notes.txt":       "hello",
	})
	w := startWatcher(t, root)

	writeFile(t, filepath.Join(root, "notes.txt"), "changed")
	writeFile(t, filepath.Join(root, "server", "index.ts"), "export const x = 1")

	got := testutil.RequireReceive(t, w.Events(), timeout, "change event")
	if got != filepath.Join(root, "server", "index.ts") {
		t.Errorf("event path = %q", got)
	}
}

func TestWatchesDirectoriesCreatedLater(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root)

	directory := filepath.Join(root, "src", "lib")
	if err := os.MkdirAll(directory, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(directory, "util.js"), "module.exports = {}")

	want := filepath.Join(directory, "util.js")
	deadline := time.After(timeout)
	for {
		select {
		case got := <-w.Events():
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("no event for %s", want)
		}
	}
}

func TestIgnoredDirectoriesAreSkipped(t *testing.T) {
	root := testutil.WriteTree(t, map[string]string{
		"node_modules/pkg/index.js": "x",
	})
	w := startWatcher(t, root)

	writeFile(t, filepath.Join(root, "node_modules", "pkg", "index.js"), "y")
	testutil.RequireNoReceive(t, w.Events(), 200*time.Millisecond, "event from node_modules")
}

func TestCloseIsIdempotent(t *testing.T) {
	w := startWatcher(t, t.TempDir())
	w.Close()
	w.Close()
}

func TestNewFailsOnMissingRoot(t *testing.T) {
	_, err := New(Config{
		Root:   filepath.Join(t.TempDir(), "absent"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err == nil {
		t.Fatal("New on a missing root succeeded")
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"a/b/index.ts", true},
		{"main.go", true},
		{"README.md", false},
		{"Makefile", false},
	}
	for _, test := range tests {
		if got := Matches(test.path, DefaultExtensions); got != test.want {
			t.Errorf("Matches(%q) = %v, want %v", test.path, got, test.want)
		}
	}
}

func TestDigestTracksSourceOnly(t *testing.T) {
	root := testutil.WriteTree(t, map[string]string{
		"index.ts":         "a",
		"README.md":        "docs",
		"dist/bundle.js":   "built",
		"server/worker.js": "b",
	})
	digest := func() string {
		t.Helper()
		value, err := Digest(root, nil, nil)
		if err != nil {
			t.Fatalf("Digest: %v", err)
		}
		return value
	}

	first := digest()
	if len(first) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(first))
	}
	writeFile(t, filepath.Join(root, "README.md"), "more docs")
	writeFile(t, filepath.Join(root, "dist", "bundle.js"), "rebuilt")
	if got := digest(); got != first {
		t.Error("digest changed for non-source files")
	}
	writeFile(t, filepath.Join(root, "server", "worker.js"), "c")
	if got := digest(); got == first {
		t.Error("digest unchanged after a source edit")
	}
}
