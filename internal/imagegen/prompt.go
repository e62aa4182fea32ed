// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package imagegen

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// ErrEmptyPrompt is returned when no prompt text can be derived.
var ErrEmptyPrompt = errors.New(`Provide a prompt or JSON payload with a "prompt" field.`)

// Prompt is the normalized form of a user-supplied prompt payload.
type Prompt struct {
	Text           string
	NegativePrompt string
	Seed           any
	ImageURL       string
}

// NormalizePrompt turns a prompt payload into a Prompt. The payload may be a
// JSON object, a JSON string holding an object, or a plain string. Object
// text comes from "prompt", then "text", then "description", falling back to
// the whole object as JSON.
func NormalizePrompt(raw json.RawMessage) (Prompt, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Prompt{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Prompt{}, err
	}
	return normalize(v), nil
}

func normalize(v any) Prompt {
	if !truthy(v) {
		return Prompt{}
	}

	switch p := v.(type) {
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(p), &parsed); err == nil {
			return normalize(parsed)
		}
		return Prompt{Text: p}

	case map[string]any:
		out := Prompt{
			Text:           firstString(p, "prompt", "text", "description"),
			NegativePrompt: firstString(p, "negative_prompt", "negativePrompt"),
			ImageURL:       firstString(p, "image_url", "imageUrl"),
		}
		if out.Text == "" {
			out.Text = compactJSON(p)
		}
		if seed, ok := p["seed"]; ok && seed != nil {
			out.Seed = seed
		}
		return out

	case []any:
		return Prompt{Text: compactJSON(p)}

	case float64:
		return Prompt{Text: strconv.FormatFloat(p, 'f', -1, 64)}

	case bool:
		return Prompt{Text: strconv.FormatBool(p)}
	}
	return Prompt{}
}

// truthy mirrors the loose emptiness check applied to incoming payloads.
func truthy(v any) bool {
	switch p := v.(type) {
	case nil:
		return false
	case string:
		return p != ""
	case float64:
		return p != 0
	case bool:
		return p
	}
	return true
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
