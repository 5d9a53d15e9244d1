// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

// SampleSong is the song the emulated device reports until the
// application sends one.
func SampleSong() map[string]any {
	return map[string]any{
		"album":             "Random Access Memories",
		"artist":            "Daft Punk",
		"playlist":          "Electronic Essentials",
		"playlist_id":       "playlist_001",
		"track_name":        "Get Lucky",
		"shuffle_state":     false,
		"repeat_state":      "off",
		"is_playing":        true,
		"can_fast_forward":  true,
		"can_skip":          true,
		"can_like":          true,
		"can_change_volume": true,
		"can_set_output":    true,
		"track_duration":    369000,
		"track_progress":    145000,
		"volume":            75,
		"device":            "Desktop Speaker",
		"id":                "track_001",
		"device_id":         "device_001",
		"liked":             true,
		"color": map[string]any{
			"value":   []any{41, 128, 185},
			"rgb":     "rgb(41, 128, 185)",
			"rgba":    "rgba(41, 128, 185, 1)",
			"hex":     "#2980b9",
			"hexa":    "#2980b9ff",
			"isDark":  true,
			"isLight": false,
		},
	}
}

// SampleApps is the installed-app list the emulated device reports.
func SampleApps() []any {
	app := func(id, description, tag string) map[string]any {
		return map[string]any{
			"name": id,
			"manifest": map[string]any{
				"id":          id,
				"requires":    []any{},
				"version":     "1.0.0",
				"description": description,
				"author":      "Sample Author",
				"platforms":   []any{"windows", "mac"},
				"tags":        []any{tag},
				"requiredVersions": map[string]any{
					"server": "1.0.0",
					"client": "1.0.0",
				},
			},
		}
	}
	return []any{
		app("sample-app-1", "Sample App 1", "utilityOnly"),
		app("sample-app-2", "Sample App 2", "webappOnly"),
	}
}
