// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared by the stores and the CLI.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//   - WriteJSONFile, ReadJSONFile: JSON documents on top of AtomicWriteFile
//
// String Utilities:
//   - TruncateWidth: Display-width truncation for terminal output
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - OneLine: Whitespace collapsing for previews
//
// # Usage
//
//	err := util.WriteJSONFile(filepath.Join(dataDir, "gallery.json"), entries, 0644)
//	title := util.TruncateWidth(t.Title, 30)
package util
