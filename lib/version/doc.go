// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the deskthing
// binaries.
//
// Three variables are injected at build time via -ldflags -X:
//
//   - [GitCommit] -- short git SHA of the build
//   - [BuildTime] -- UTC timestamp of the build
//   - [Version] -- semantic version string
//
// They default to "unknown" / "0.1.0-dev" in development builds. When
// GitCommit is not injected, [Info] falls back to the VCS stamp the Go
// toolchain embeds in the binary.
package version
