// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"fmt"
	"strings"
)

// ImageModel describes one hosted image model the assistant can recommend.
type ImageModel struct {
	Slug      string
	Strengths []string
	BestFor   string
}

// Catalog is the set of image models named in the system preamble.
var Catalog = []ImageModel{
	{
		Slug: "fal-ai/flux-pro",
		Strengths: []string{
			"Photo-realistic lighting and materials",
			"Strong face and hand fidelity",
			"Consistent depth of field across lifestyle and product shots",
		},
		BestFor: "Editorial stills, portraits, and cinematic keyframes.",
	},
	{
		Slug: "fal-ai/flux-schnell",
		Strengths: []string{
			"Fast drafts and style exploration",
			"Stable geometry with few artifacts",
			"Cheap iteration before moving to a slower model",
		},
		BestFor: "Rapid ideation and batch exploration.",
	},
	{
		Slug: "fal-ai/flux-canny",
		Strengths: []string{
			"Image-to-image generation guided by edge maps",
			"Keeps layout while allowing restyling",
			"Structure fidelity from reference images",
		},
		BestFor: "Layout-preserving restyles and variations.",
	},
	{
		Slug: "fal-ai/ideogram-1.0",
		Strengths: []string{
			"Sharp typography inside images",
			"Packaging and brand visuals with readable text",
			"Posters, covers, and UI mockups",
		},
		BestFor: "Any image that needs clean text baked in.",
	},
}

// formatCatalog renders models as an indented bullet guide.
func formatCatalog(models []ImageModel) string {
	lines := make([]string, 0, len(models))
	for _, m := range models {
		lines = append(lines, fmt.Sprintf("• %s\n  - Strengths: %s\n  - Best for: %s",
			m.Slug, strings.Join(m.Strengths, "; "), m.BestFor))
	}
	return strings.Join(lines, "\n")
}
