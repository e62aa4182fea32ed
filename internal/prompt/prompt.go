// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt builds the fixed system preamble sent ahead of every
// relayed transcript. The preamble is never stored in a transcript.
package prompt

import (
	"strings"
	"sync"

	"github.com/jeranaias/imagehive/internal/model"
)

// System returns the system preamble. It is built once per process.
var System = sync.OnceValue(func() string {
	return Build(Catalog)
})

// Build renders the preamble for the given model catalog.
func Build(models []ImageModel) string {
	return strings.Join([]string{
		"You are ImageHive, a local-first creative concierge. Keep replies short, upbeat, and actionable.",
		"You recommend hosted image models, write prompts, and outline multi-shot or multi-angle scenes.",
		"",
		"Image model guide (use it when the user needs to pick a model):",
		formatCatalog(models),
		"",
		"When suggesting a model:",
		"- Pick one or two defaults and give the reason in one line.",
		"- Include dimensions, aspect ratio, and a negative prompt when useful.",
		"- If the user has a reference image, offer image-to-image options such as flux-canny.",
		"",
		"Scene builder:",
		"- You can write a 3x3 cinematic contact sheet prompt with consistent lighting, wardrobe, and setting.",
		"- Vary only camera distance and angle: Extreme Long Shot, Long Shot, Medium Long, Medium, Medium Close-Up,",
		"  Close-Up, Extreme Close-Up, Low Angle, High Angle.",
		"- Keep likeness fixed across frames: same subjects, outfits, proportions, and space.",
		"- Use deep depth of field for wide shots and shallower depth for close shots.",
		"- Output ready-to-run text blocks.",
		"",
		"When asked for JSON or structured output, use the keys model, prompt, image_url (optional), seed, width, height.",
		"If the request is unclear, ask one clarifying question before the final prompt.",
	}, "\n")
}

// Prepend returns messages with the system preamble first. Any system
// messages already present are dropped so only one preamble is sent.
func Prepend(messages []model.Message) []model.Message {
	out := make([]model.Message, 0, len(messages)+1)
	out = append(out, model.Message{Role: model.RoleSystem, Content: System()})
	return append(out, model.WithoutSystem(messages)...)
}
