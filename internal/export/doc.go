// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes chat transcripts to Markdown or JSON files.
//
// # Usage
//
//	exporter, err := export.ForFormat("md", nil)
//	path, err := export.ToFile(transcript, exporter, &export.Options{OutputDir: "."})
//
// Markdown exports carry a YAML frontmatter block with the session id and
// dates, and a provenance footnote ("GPU · Local") under each reply.
package export
