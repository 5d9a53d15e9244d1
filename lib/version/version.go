// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// These variables are set via -ldflags at build time.
var (
	GitCommit = "unknown"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info returns the --version line, e.g. "0.1.0-dev (abc1234, 2026-...)".
func Info() string {
	commit, dirty := commit()
	if dirty {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s)", Version, commit, BuildTime)
}

// Full returns Info plus the Go version and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// commit resolves the git commit, preferring the ldflags value over the
// toolchain's VCS stamp.
func commit() (string, bool) {
	if GitCommit != "unknown" {
		return GitCommit, false
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return GitCommit, false
	}
	revision, dirty := GitCommit, false
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
			if len(revision) > 7 {
				revision = revision[:7]
			}
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return revision, dirty
}
