// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest reads the application's public/manifest.json.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// DefaultID names the application when no manifest is present.
const DefaultID = "testapp"

// Path is the manifest location relative to the application root.
const Path = "public/manifest.json"

// Manifest describes the application under development.
type Manifest struct {
	ID               string            `json:"id"`
	Label            string            `json:"label,omitempty"`
	Version          string            `json:"version,omitempty"`
	Description      string            `json:"description,omitempty"`
	Author           string            `json:"author,omitempty"`
	Platforms        []string          `json:"platforms,omitempty"`
	Homepage         string            `json:"homepage,omitempty"`
	VersionCode      float64           `json:"version_code,omitempty"`
	CompatibleServer string            `json:"compatible_server,omitempty"`
	CompatibleClient string            `json:"compatible_client,omitempty"`
	Repository       string            `json:"repository,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	RequiredVersions map[string]string `json:"requiredVersions,omitempty"`
	IsWebApp         bool              `json:"isWebApp"`
	Requires         []string          `json:"requires,omitempty"`
}

// Load reads the manifest under root. A missing manifest yields
// {id: "testapp"} and a warning; a malformed one is an error.
func Load(root string, logger *slog.Logger) (Manifest, error) {
	path := filepath.Join(root, filepath.FromSlash(Path))
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("no application manifest, using the default id", "path", path, "app_id", DefaultID)
		return Manifest{ID: DefaultID}, nil
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if manifest.ID == "" {
		logger.Warn("application manifest has no id, using the default", "path", path, "app_id", DefaultID)
		manifest.ID = DefaultID
	}
	return manifest, nil
}

// Payload returns the manifest as the JSON-shaped map sent in
// envelopes.
func (m Manifest) Payload() map[string]any {
	data, err := json.Marshal(m)
	if err != nil {
		return map[string]any{"id": m.ID}
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return map[string]any{"id": m.ID}
	}
	return payload
}
