// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the development configuration shared by
// deskthing-dev and deskthing-device.
//
// One file is loaded, chosen by [Resolve]: the --config flag, then the
// DESKTHING_CONFIG environment variable, then deskthing.config.jsonc
// in the working directory if it exists. With none of these the
// defaults apply unchanged. Files ending in .yaml or .yml are YAML;
// everything else is JSON with comments and trailing commas allowed.
//
// A file only needs the keys it changes: it is decoded over [Default],
// so nested sections merge field by field. Durations are written in
// milliseconds, matching the DeskThing CLI's own config file.
//
// Key exports:
//
//   - [Config] -- logging, client, server, app and supervisor sections
//   - [Default] -- the values used when no file overrides them
//   - [Resolve] and [Load] -- file selection and loading
//
// This package depends on no other devrelay packages.
package config
