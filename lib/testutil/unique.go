// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

var uniqueCounter atomic.Uint64

// UniqueID returns "prefix-N" with N increasing across the test binary.
//
//	appID := testutil.UniqueID("weather") // "weather-1", "weather-2", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}

// WriteTree creates files under a fresh temporary directory and returns
// its path. Keys are slash-separated relative paths; parent directories
// are created as needed.
//
//	root := testutil.WriteTree(t, map[string]string{
//		"public/manifest.json": `{"id":"weather"}`,
//		"server/index.ts":      "export {}",
//	})
func WriteTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for relative, content := range files {
		path := filepath.Join(root, filepath.FromSlash(relative))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("creating directory for %s: %v", relative, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", relative, err)
		}
	}
	return root
}
