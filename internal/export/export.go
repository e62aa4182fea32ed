// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes chat transcripts to shareable files.
package export

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/imagehive/internal/model"
	"github.com/jeranaias/imagehive/internal/util"
)

// ErrEmptyTranscript is returned when there is nothing to export.
var ErrEmptyTranscript = errors.New("transcript has no messages")

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter converts a transcript to one file format.
type Exporter interface {
	// Export converts a transcript to the target format.
	Export(t *model.Transcript) ([]byte, error)

	// FileExtension returns the file extension, e.g. ".md".
	FileExtension() string
}

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// OutputDir is where files are written (default: current directory).
	OutputDir string

	// IncludeMetadata adds a frontmatter block and reply provenance.
	IncludeMetadata bool

	// Now stamps the export; defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		OutputDir:       ".",
		IncludeMetadata: true,
		Now:             time.Now,
	}
}

func (o *Options) now() time.Time {
	if o == nil || o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// ForFormat returns the exporter for "md"/"markdown" or "json".
func ForFormat(format string, opts *Options) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "md", "markdown":
		return NewMarkdownExporter(opts), nil
	case "json":
		return NewJSONExporter(), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q: use md or json", format)
	}
}

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// ToFile exports t with exporter into opts.OutputDir and returns the path.
// The file name is built from the transcript title and the export time.
func ToFile(t *model.Transcript, exporter Exporter, opts *Options) (string, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	content, err := exporter.Export(t)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	dir := opts.OutputDir
	if dir == "" {
		dir = "."
	}
	filename := fmt.Sprintf("imagehive_%s_%s%s",
		sanitizeFilename(t.Title),
		opts.now().Format("20060102_150405"),
		exporter.FileExtension(),
	)
	path := filepath.Join(dir, filename)
	if err := util.AtomicWriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// sanitizeFilename replaces characters that are invalid in file names on
// Windows or Unix and caps the length at 50 runes.
func sanitizeFilename(s string) string {
	if runes := []rune(s); len(runes) > 50 {
		s = string(runes[:50])
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			b.WriteRune('_')
		case r < 32 || r == 127:
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "chat"
	}
	return b.String()
}
