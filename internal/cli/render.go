// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

// markdownRenderer is built on first use; nil means plain text.
var markdownRenderer = sync.OnceValue(func() *glamour.TermRenderer {
	if !ColorsEnabled() {
		return nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(GetTerminalWidth()-4),
	)
	if err != nil {
		return nil
	}
	return r
})

// renderMarkdown renders content for the terminal. It returns content
// unchanged when rendering is unavailable or fails.
func renderMarkdown(content string) string {
	r := markdownRenderer()
	if r == nil {
		return content
	}
	rendered, err := r.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(rendered, "\n") + "\n"
}
