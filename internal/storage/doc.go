// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists ImageHive's local state.
//
// Everything lives under the data directory:
//
//   - settings.json: runtime settings (image API key, backend host and model).
//     Legacy keys from older releases are migrated on open. External edits
//     are picked up by Watch.
//   - gallery.json: saved prompts, newest first.
//   - transcripts.db: SQLite transcripts written by the terminal chat client.
//
// # Usage
//
//	settings, err := storage.OpenSettings(dataDir, defaults, logger)
//	settings.OnChange(func(s storage.Settings) { ... })
//	_ = settings.Watch(ctx)
//
//	gallery := storage.OpenGallery(dataDir)
//	entry, err := gallery.Add(storage.Entry{Title: "Harbor", PromptJSON: `{"prompt":"..."}`})
package storage
